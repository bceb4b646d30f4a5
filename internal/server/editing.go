package server

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"geovisio/internal/models"
)

// visibleParam extracts the "visible" edit parameter from a JSON body or
// a form. Returns nil when unset, an error on anything but true/false.
func visibleParam(c *gin.Context) (*bool, error) {
	var raw string
	if strings.HasPrefix(c.ContentType(), "application/json") {
		var body struct {
			Visible *string `json:"visible"`
		}
		if err := c.ShouldBindJSON(&body); err == nil && body.Visible != nil {
			raw = *body.Visible
		}
	} else {
		raw = c.PostForm("visible")
	}

	switch raw {
	case "":
		return nil, nil
	case "true", "false":
		v := raw == "true"
		return &v, nil
	default:
		return nil, errors.New("visibility parameter (visible) should be either unset, true or false")
	}
}

func (s *Server) handlePatchItem(c *gin.Context) {
	const op = "server.handlePatchItem"

	picID, err := uuid.Parse(c.Param("itemId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Picture can't be found, you may check its ID"})
		return
	}

	visible, err := visibleParam(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	status, _, err := s.store.GetPicture(c.Request.Context(), picID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("Picture %s wasn't found in database", picID)})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}

	if visible == nil {
		c.JSON(http.StatusOK, gin.H{"id": picID.String(), "status": status})
		return
	}

	var newStatus string
	switch {
	case *visible && status == models.StatusHidden:
		newStatus = models.StatusReady
	case !*visible && status == models.StatusReady:
		newStatus = models.StatusHidden
	case status == models.StatusReady || status == models.StatusHidden:
		// already in the wanted state
		c.JSON(http.StatusOK, gin.H{"id": picID.String(), "status": status})
		return
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Picture %s is in %s state, its visibility can't be changed for now", picID, status),
		})
		return
	}

	if err := s.store.SetPictureStatus(c.Request.Context(), picID, newStatus); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": picID.String(), "status": newStatus})
}

func (s *Server) handlePatchCollection(c *gin.Context) {
	const op = "server.handlePatchCollection"

	seqID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Sequence can't be found, you may check its ID"})
		return
	}

	visible, err := visibleParam(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	status, _, err := s.store.GetSequence(c.Request.Context(), seqID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("Sequence %s wasn't found in database", seqID)})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}

	if visible == nil {
		c.JSON(http.StatusOK, gin.H{"id": seqID.String(), "status": status})
		return
	}

	if status != models.StatusReady && status != models.StatusHidden {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Sequence %s is in %s state, its visibility can't be changed for now", seqID, status),
		})
		return
	}

	newStatus := models.StatusHidden
	if *visible {
		newStatus = models.StatusReady
	}
	if newStatus != status {
		if err := s.store.SetSequenceStatus(c.Request.Context(), seqID, newStatus); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"id": seqID.String(), "status": newStatus})
}

func (s *Server) handleDeleteItem(c *gin.Context) {
	const op = "server.handleDeleteItem"

	picID, err := uuid.Parse(c.Param("itemId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Picture can't be found, you may check its ID"})
		return
	}

	if err := s.store.MarkPictureForDeletion(c.Request.Context(), picID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("Picture %s wasn't found in database", picID)})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleDeleteCollection(c *gin.Context) {
	const op = "server.handleDeleteCollection"

	seqID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Sequence can't be found, you may check its ID"})
		return
	}

	if _, _, err := s.store.GetSequence(c.Request.Context(), seqID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("Collection %s wasn't found in database", seqID)})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}

	nb, err := s.store.DeleteSequence(c.Request.Context(), seqID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}
	log.Printf("server: deleted sequence %s, %d pictures scheduled for removal", seqID, nb)
	c.Status(http.StatusNoContent)
}
