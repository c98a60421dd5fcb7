package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/ssau-fiit/cloudocs-collab/collab"
	"github.com/ssau-fiit/cloudocs-collab/config"
	"github.com/ssau-fiit/cloudocs-collab/discovery"
	"github.com/ssau-fiit/cloudocs-collab/docstore"
)

type app struct {
	cfg    config.Config
	store  *docstore.Store
	collab *collab.Server
	disc   *discovery.Service
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), time.Second*5)
}

/////////////////////////////
/// Auth Handlers
/////////////////////////////

func (a *app) handleAuth(c *gin.Context) {
	var r AuthRequest
	if err := c.BindJSON(&r); err != nil {
		log.Error().Err(err).Msg("could not parse request")
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}

	ctx, cancel := requestContext()
	defer cancel()

	user, err := a.store.Authenticate(ctx, r.Username, r.Password)
	switch {
	case errors.Is(err, docstore.ErrUserNotFound), errors.Is(err, docstore.ErrBadPassword):
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	case err != nil:
		log.Error().Err(err).Msg("failed to find user")
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	c.JSON(200, gin.H{
		"user_id": user.ID,
	})
}

/////////////////////////////
/// Document Handlers
/////////////////////////////

func (a *app) handleGetDocuments(c *gin.Context) {
	ctx, cancel := requestContext()
	defer cancel()

	documents, err := a.store.List(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to get documents")
		c.AbortWithStatus(500)
		return
	}
	c.JSON(200, documents)
}

func (a *app) handleCreateDocument(c *gin.Context) {
	var r CreateDocRequest
	if err := c.BindJSON(&r); err != nil {
		log.Error().Err(err).Msg("bad request")
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}
	if r.Author == "" {
		r.Author = "Автор"
	}

	ctx, cancel := requestContext()
	defer cancel()

	doc, err := a.store.Create(ctx, r.Name, r.Author, r.Body)
	if err != nil {
		log.Error().Err(err).Msg("error uploading document")
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.JSON(200, doc)
}

func (a *app) handleDeleteDocument(c *gin.Context) {
	docID := c.Param("id")
	if docID == "" {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}

	ctx, cancel := requestContext()
	defer cancel()

	err := a.store.Delete(ctx, docID)
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		c.AbortWithStatus(http.StatusNotFound)
		return
	case err != nil:
		log.Error().Err(err).Msg("error deleting document")
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Status(200)
}

/////////////////////////////
/// Session Handlers
/////////////////////////////

func (a *app) handleShareDocument(c *gin.Context) {
	var r ShareRequest
	if err := c.BindJSON(&r); err != nil {
		log.Error().Err(err).Msg("bad request")
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}

	ctx, cancel := requestContext()
	defer cancel()

	doc, body, err := a.store.Get(ctx, r.DocumentID)
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		c.AbortWithStatus(http.StatusNotFound)
		return
	case err != nil:
		log.Error().Err(err).Msg("error getting document")
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	created := a.collab.CreateSession(body, collab.Metadata{
		Title:        doc.Name,
		Host:         a.cfg.HostName,
		DocumentType: "cloudocs",
		CreatedAt:    time.Now(),
		Extra:        map[string]interface{}{"author": doc.Author, "documentId": doc.ID},
	})

	if a.disc != nil {
		err := a.disc.Advertise(discovery.SessionInfo{
			ID:           created.SessionID,
			Port:         created.Port,
			Title:        created.Metadata.Title,
			HostName:     a.cfg.HostName,
			DocumentType: created.Metadata.DocumentType,
			CreatedAt:    created.Metadata.CreatedAt,
		})
		if err != nil {
			// The session works without an announcement.
			log.Error().Err(err).Str("session", created.SessionID).Msg("could not advertise session")
		}
	}

	c.JSON(200, created)
}

func (a *app) handleGetSessions(c *gin.Context) {
	c.JSON(200, a.collab.Registry().Sessions())
}

func (a *app) handleGetSession(c *gin.Context) {
	view, ok := a.collab.Registry().Session(c.Param("id"))
	if !ok {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	c.JSON(200, view)
}

func (a *app) handleDiscovered(c *gin.Context) {
	if a.disc == nil {
		c.JSON(200, []discovery.Record{})
		return
	}
	c.JSON(200, a.disc.DiscoveredSessions())
}
