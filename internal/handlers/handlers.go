package handlers

import (
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	config "pikselo/internal/config"
	constants "pikselo/internal/constants"
	game "pikselo/internal/game"
	history "pikselo/internal/history"
	models "pikselo/internal/models"
	util "pikselo/internal/util"
	ws "pikselo/internal/ws"
)

type App struct {
	Pipeline  *game.Pipeline
	Hub       *ws.Hub
	Config    config.Config
	StartTime time.Time
}

type changePixelRequest struct {
	X     int    `json:"x"`
	Y     int    `json:"y"`
	Color string `json:"color" binding:"required"`
}

type actorHistoryEntry struct {
	ID    int64  `json:"id"`
	X     int    `json:"x"`
	Y     int    `json:"y"`
	Color string `json:"color"`
}

// ActorAuthMiddleware resolves the requester from the X-Actor-Id header
// through the directory. Full credential handling lives upstream; this is the
// trust boundary the pipeline consumes.
func (app *App) ActorAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader(constants.ActorIDHeader)
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": constants.ErrorCodeUnknownActor})
			return
		}
		if _, err := app.Pipeline.Actors.GetByID(c.Request.Context(), id); err != nil {
			if errors.Is(err, history.ErrActorNotFound) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": constants.ErrorCodeUnknownActor})
			} else {
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": constants.ErrorCodeStoreUnavailable})
			}
			return
		}
		c.Set(constants.ActorIDKey, id)
		c.Next()
	}
}

func (app *App) AllPixels(c *gin.Context) {
	pixels, err := app.Pipeline.AllPixels(c.Request.Context())
	if err != nil {
		app.renderError(c, err)
		return
	}
	responses := lo.Map(pixels, func(p models.Pixel, _ int) gin.H {
		return gin.H{"x": p.X, "y": p.Y, "color": p.Color}
	})
	c.JSON(http.StatusOK, responses)
}

func (app *App) PixelAt(c *gin.Context) {
	x, errX := strconv.Atoi(c.Param("x"))
	y, errY := strconv.Atoi(c.Param("y"))
	if errX != nil || errY != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": constants.ErrorCodeOutOfBounds})
		return
	}
	pixel, err := app.Pipeline.PixelAt(c.Request.Context(), x, y)
	if err != nil {
		app.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, pixel)
}

func (app *App) ChangePixel(c *gin.Context) {
	var req changePixelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": constants.ErrorCodeInvalidColor})
		return
	}
	actorID := c.GetInt64(constants.ActorIDKey)

	outcome, err := app.Pipeline.ChangePixel(c.Request.Context(), req.X, req.Y, req.Color, actorID)
	if err != nil {
		app.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "noop": outcome.NoOp})
}

func (app *App) HistoryAfter(c *gin.Context) {
	afterID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || afterID < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid history cursor"})
		return
	}
	limit := queryInt(c, "limit", 0)

	entries, err := app.Pipeline.HistoryAfter(c.Request.Context(), afterID, limit)
	if err != nil {
		app.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (app *App) HistoryNext(c *gin.Context) {
	afterID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || afterID < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid history cursor"})
		return
	}
	entry, err := app.Pipeline.NextAfter(c.Request.Context(), afterID)
	if err != nil {
		app.renderError(c, err)
		return
	}
	if entry == nil {
		c.Status(http.StatusNotFound)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (app *App) ActorHistory(c *gin.Context) {
	actorID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || actorID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": constants.ErrorCodeUnknownActor})
		return
	}
	afterID := int64(queryInt(c, "after", 0))
	limit := queryInt(c, "limit", 0)

	entries, err := app.Pipeline.ActorHistory(c.Request.Context(), actorID, afterID, limit)
	if err != nil {
		app.renderError(c, err)
		return
	}
	responses := lo.Map(entries, func(e models.HistoryEntry, _ int) actorHistoryEntry {
		return actorHistoryEntry{ID: e.ID, X: e.X, Y: e.Y, Color: e.NewColor}
	})
	c.JSON(http.StatusOK, responses)
}

func (app *App) ActorProfile(c *gin.Context) {
	actorID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || actorID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": constants.ErrorCodeUnknownActor})
		return
	}
	actor, err := app.Pipeline.ActorByID(c.Request.Context(), actorID)
	if err != nil {
		app.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":           actor.ID,
		"username":     actor.Username,
		"privilege":    actor.Privilege.String(),
		"pixelChanges": actor.PixelChanges,
		"createdAt":    actor.CreatedAt,
	})
}

func (app *App) Info(c *gin.Context) {
	c.JSON(http.StatusOK, app.Pipeline.Info())
}

func (app *App) Healthz(c *gin.Context) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"env":             map[bool]string{true: "production", false: "development"}[app.Config.IsProduction],
		"board":           app.Pipeline.Info(),
		"ws_clients":      app.Hub.ClientCount(),
		"memory_alloc_mb": m.Alloc / 1024 / 1024,
		"memory_sys_mb":   m.Sys / 1024 / 1024,
		"memory_gc_count": m.NumGC,
		"uptime":          util.FormatUptime(time.Since(app.StartTime)),
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	})
}

func (app *App) ServeWS(c *gin.Context) {
	ws.ServeWS(app.Hub, c.Writer, c.Request)
}

func queryInt(c *gin.Context, key string, fallback int) int {
	val := c.Query(key)
	if val == "" {
		return fallback
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		util.LogWarn("Invalid %s query value %q, using %d", key, val, fallback)
		return fallback
	}
	return i
}

func (app *App) renderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, game.ErrOutOfBounds):
		c.JSON(http.StatusBadRequest, gin.H{"error": constants.ErrorCodeOutOfBounds})
	case errors.Is(err, game.ErrInvalidColor):
		c.JSON(http.StatusBadRequest, gin.H{"error": constants.ErrorCodeInvalidColor})
	case errors.Is(err, game.ErrUnknownActor):
		c.JSON(http.StatusUnauthorized, gin.H{"error": constants.ErrorCodeUnknownActor})
	case errors.Is(err, game.ErrRateLimited):
		c.Header("Retry-After", strconv.Itoa(int(app.Config.Cooldown.Seconds())))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":    constants.ErrorCodeRateLimited,
			"cooldown": int(app.Config.Cooldown.Seconds()),
		})
	case errors.Is(err, game.ErrStoreUnavailable):
		util.LogWarn("Dependency fault surfaced to client: %v", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": constants.ErrorCodeStoreUnavailable})
	default:
		util.LogWarn("Unexpected pipeline error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
