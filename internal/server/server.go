package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"geovisio/internal/imagefs"
	"geovisio/internal/meta"
	"geovisio/internal/models"
	"geovisio/internal/storage"
)

// Store is the persistence surface the API needs. *storage.Storage
// implements it, tests use a stub.
type Store interface {
	CreateSequence(ctx context.Context, accountID uuid.UUID, metadata map[string]interface{}) (uuid.UUID, error)
	GetSequence(ctx context.Context, seqID uuid.UUID) (string, uuid.UUID, error)
	GetPicture(ctx context.Context, picID uuid.UUID) (string, uuid.UUID, error)
	InsertPicture(ctx context.Context, p storage.InsertPictureParams, saveFile func(uuid.UUID) error) (uuid.UUID, error)
	SetPictureStatus(ctx context.Context, picID uuid.UUID, status string) error
	SetSequenceStatus(ctx context.Context, seqID uuid.UUID, status string) error
	MarkPictureForDeletion(ctx context.Context, picID uuid.UUID) error
	DeleteSequence(ctx context.Context, seqID uuid.UUID) (int, error)
	GetSequenceStatus(ctx context.Context, seqID uuid.UUID) (*models.SequenceStatus, error)
	DefaultAccountID(ctx context.Context) (uuid.UUID, error)
}

type Server struct {
	cfg    *models.Config
	router *gin.Engine
	store  Store
	fses   *imagefs.Filesystems
}

func NewServer(cfg *models.Config, store Store, fses *imagefs.Filesystems) *Server {
	r := gin.Default()

	s := &Server{cfg: cfg, router: r, store: store, fses: fses}

	r.POST("/collections", s.handleCreateCollection)
	r.POST("/collections/:id/items", s.handleUploadItem)
	r.GET("/collections/:id/geovisio_status", s.handleCollectionStatus)
	r.PATCH("/collections/:id", s.handlePatchCollection)
	r.DELETE("/collections/:id", s.handleDeleteCollection)
	r.PATCH("/collections/:id/items/:itemId", s.handlePatchItem)
	r.DELETE("/collections/:id/items/:itemId", s.handleDeleteItem)

	return s
}

func (s *Server) Start() error {
	return s.router.Run(s.cfg.ServerAddr)
}

// Router exposes the gin engine, used by tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) handleCreateCollection(c *gin.Context) {
	const op = "server.handleCreateCollection"

	metadata := map[string]interface{}{}
	if title := c.PostForm("title"); title != "" {
		metadata["title"] = title
	} else {
		var body struct {
			Title string `json:"title"`
		}
		if err := c.ShouldBindJSON(&body); err == nil && body.Title != "" {
			metadata["title"] = body.Title
		}
	}

	accountID, err := s.store.DefaultAccountID(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}

	seqID, err := s.store.CreateSequence(c.Request.Context(), accountID, metadata)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": seqID.String(), "status": models.StatusWaitingForProcess})
}

func (s *Server) handleUploadItem(c *gin.Context) {
	const op = "server.handleUploadItem"

	seqID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Sequence can't be found, you may check its ID"})
		return
	}

	if !strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "Content type should be multipart/form-data"})
		return
	}

	posParam := c.PostForm("position")
	if posParam == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": `Missing "position" parameter`})
		return
	}
	position, err := strconv.Atoi(posParam)
	if err != nil || position <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Position in sequence should be a positive integer"})
		return
	}

	blurParam := c.PostForm("isBlurred")
	if blurParam != "" && blurParam != "true" && blurParam != "false" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Picture blur status should be either unset, true or false"})
		return
	}
	isBlurred := blurParam == "true"

	file, err := c.FormFile("picture")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No picture file was sent"})
		return
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(file.Filename), "."))
	if ext != "jpg" && ext != "jpeg" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Picture file is either missing or in an unsupported format (should be jpg)"})
		return
	}

	if _, _, err := s.store.GetSequence(c.Request.Context(), seqID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("Sequence %s wasn't found in database", seqID)})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}
	data, err := io.ReadAll(src)
	src.Close()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}

	record, err := meta.Read(data, true)
	if err != nil {
		var metaErr *models.MetadataReadingError
		if errors.As(err, &metaErr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Impossible to parse picture metadata", "details": metaErr.Details})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}

	accountID, err := s.store.DefaultAccountID(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}

	// unblurred originals only ever land in the temporary store
	picFS := s.fses.Tmp
	if isBlurred || s.cfg.BlurURL == "" {
		picFS = s.fses.Permanent
	}

	params := storage.InsertPictureParams{
		SeqID:     seqID,
		Rank:      position,
		AccountID: accountID,
		Extracted: record,
		Additional: map[string]interface{}{
			"blurredByAuthor":  isBlurred,
			"originalFileName": filepath.Base(file.Filename),
			"originalFileSize": len(data),
		},
	}

	var savedPath string
	picID, err := s.store.InsertPicture(c.Request.Context(), params, func(id uuid.UUID) error {
		p := imagefs.HDPicturePath(id)
		if err := picFS.Write(p, bytes.NewReader(data)); err != nil {
			return err
		}
		savedPath = p
		return nil
	})
	if err != nil {
		// leave no filesystem residue behind a failed upload
		if savedPath != "" {
			picFS.RemoveFile(savedPath)
			picFS.PruneEmptyDirs(path.Dir(savedPath))
		}
		if errors.Is(err, models.ErrPicturePositionConflict) {
			c.JSON(http.StatusConflict, gin.H{"error": "Picture at given position already exist"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Picture wasn't correctly saved"})
		return
	}

	c.Header("Location", fmt.Sprintf("/collections/%s/items/%s", seqID, picID))
	c.JSON(http.StatusAccepted, gin.H{"id": picID.String(), "status": models.StatusWaitingForProcess})
}

func (s *Server) handleCollectionStatus(c *gin.Context) {
	const op = "server.handleCollectionStatus"

	seqID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Sequence can't be found, you may check its ID"})
		return
	}

	status, err := s.store.GetSequenceStatus(c.Request.Context(), seqID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Sequence is either empty or doesn't exists"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}

	c.JSON(http.StatusOK, status)
}
