package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lsst-sqre/ivoa-cutout-poc/archive"
	"github.com/lsst-sqre/ivoa-cutout-poc/id"
)

// purgeBody is the optional request body of POST /v1/archive/purge.
// OlderThan is a Go duration string; entries that failed longer ago than
// this are removed. Defaults to the configured retention window.
type purgeBody struct {
	OlderThan string `json:"older_than"`
}

func (s *Server) listEntries(c *gin.Context) {
	var opts archive.ListOpts
	var err error
	if opts.Limit, err = intQuery(c, "limit"); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if opts.Offset, err = intQuery(c, "offset"); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	entries, err := s.arc.ArchiveStore().ListEntries(c.Request.Context(), opts)
	if err != nil {
		s.fail(c, err)
		return
	}
	if entries == nil {
		entries = []*archive.Entry{}
	}
	c.JSON(http.StatusOK, entries)
}

func (s *Server) getEntry(c *gin.Context) {
	entryID, err := id.ParseArchiveID(c.Param("entryId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "invalid archive entry id: " + err.Error()})
		return
	}

	entry, err := s.arc.ArchiveStore().GetEntry(c.Request.Context(), entryID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (s *Server) replayEntry(c *gin.Context) {
	entryID, err := id.ParseArchiveID(c.Param("entryId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "invalid archive entry id: " + err.Error()})
		return
	}

	j, err := s.arc.Replay(c.Request.Context(), entryID)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.Header("Location", "/v1/jobs/"+j.ID.String())
	c.JSON(http.StatusCreated, j)
}

func (s *Server) purgeEntries(c *gin.Context) {
	olderThan := s.eng.Config().Retention
	if c.Request.ContentLength > 0 {
		var body purgeBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
			return
		}
		if body.OlderThan != "" {
			d, err := time.ParseDuration(body.OlderThan)
			if err != nil {
				c.JSON(http.StatusBadRequest, errorBody{Error: "invalid older_than duration: " + err.Error()})
				return
			}
			olderThan = d
		}
	}

	purged, err := s.arc.ArchiveStore().PurgeEntries(c.Request.Context(), time.Now().UTC().Add(-olderThan))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"purged": purged})
}

func (s *Server) countEntries(c *gin.Context) {
	n, err := s.arc.ArchiveStore().CountEntries(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}
