package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/hookhost/internal/host"
	"github.com/GriffinCanCode/hookhost/internal/shared/errs"
	"github.com/GriffinCanCode/hookhost/internal/shared/id"
	"github.com/GriffinCanCode/hookhost/internal/shared/types"
	"github.com/GriffinCanCode/hookhost/internal/shared/utils"
)

// Handlers contains all control API handlers
type Handlers struct {
	host    *host.Host
	logger  *zap.Logger
	started time.Time
}

// NewHandlers creates a new handler set
func NewHandlers(h *host.Host) *Handlers {
	return &Handlers{
		host:    h,
		logger:  h.Logger().Named("api"),
		started: time.Now(),
	}
}

// VirtualRequest creates a sandbox from inline source
type VirtualRequest struct {
	Name   string `json:"name" binding:"required"`
	Source string `json:"source"`
}

// LogLevelRequest changes the runtime log level
type LogLevelRequest struct {
	Level string `json:"level" binding:"required"`
}

// Health handles the health check
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "hookhost",
		"version": host.Version,
		"memory":  h.host.Config().Memory.Mode,
		"uptime":  time.Since(h.started).Round(time.Second).String(),
		"stats":   h.host.Stats(),
	})
}

// Stats returns runtime counters
func (h *Handlers) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.host.Stats())
}

// ListSandboxes lists every live sandbox in load order
func (h *Handlers) ListSandboxes(c *gin.Context) {
	all := h.host.Sandboxes().Sandboxes()
	infos := make([]types.SandboxInfo, 0, len(all))
	for _, sb := range all {
		infos = append(infos, sb.Info())
	}
	c.JSON(http.StatusOK, gin.H{
		"sandboxes": infos,
		"count":     len(infos),
	})
}

// CreateVirtual runs inline source in a new virtual sandbox
func (h *Handlers) CreateVirtual(c *gin.Context) {
	var req VirtualRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}
	if err := utils.ValidateName(req.Name, "name"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sb, err := h.host.Sandboxes().CreateVirtual(c.Request.Context(), req.Name, req.Source)
	if err != nil && sb == nil {
		h.fail(c, err)
		return
	}
	if err != nil {
		// the sandbox stays registered so its hooks can still be inspected
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"sandbox": sb.Info(),
			"error":   err.Error(),
		})
		return
	}
	c.JSON(http.StatusCreated, sb.Info())
}

// Reload tears down every file-backed sandbox and loads the script
// directory again
func (h *Handlers) Reload(c *gin.Context) {
	stats, err := h.host.Sandboxes().ReloadAll(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"scripts": stats,
	})
}

// RemoveSandbox destroys one sandbox
func (h *Handlers) RemoveSandbox(c *gin.Context) {
	sid := c.Param("id")
	if !id.HasPrefix(sid, id.SandboxPrefix) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid sandbox id"})
		return
	}

	if err := h.host.Sandboxes().Remove(c.Request.Context(), id.SandboxID(sid)); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"id":      sid,
	})
}

// Invoke broadcasts an event to every active sandbox
func (h *Handlers) Invoke(c *gin.Context) {
	event := c.Param("event")
	if err := utils.ValidateEvent(event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.host.Sandboxes().Invoke(c.Request.Context(), event))
}

// EnableScript marks a script enabled and loads it
func (h *Handlers) EnableScript(c *gin.Context) {
	h.toggle(c, true)
}

// DisableScript marks a script disabled and unloads it
func (h *Handlers) DisableScript(c *gin.Context) {
	h.toggle(c, false)
}

func (h *Handlers) toggle(c *gin.Context, enable bool) {
	name := c.Param("name")
	if err := utils.ValidateName(name, "name"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sandboxes := h.host.Sandboxes()
	var err error
	if enable {
		err = sandboxes.Enable(c.Request.Context(), name)
	} else {
		err = sandboxes.Disable(c.Request.Context(), name)
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"name":    name,
		"enabled": enable,
		"running": len(sandboxes.Find(name)),
	})
}

// ListHooks lists every logical hook registration
func (h *Handlers) ListHooks(c *gin.Context) {
	hooks := []types.HookInfo{}
	if d := h.host.Dispatcher(); d != nil {
		hooks = d.Hooks()
	}
	c.JSON(http.StatusOK, gin.H{
		"hooks": hooks,
		"count": len(hooks),
	})
}

// ListAddresses lists resolver records and their cached resolutions
func (h *Handlers) ListAddresses(c *gin.Context) {
	records := h.host.Resolver().Records()
	c.JSON(http.StatusOK, gin.H{
		"addresses": records,
		"count":     len(records),
	})
}

// ListExtensions lists loaded and failed extension modules
func (h *Handlers) ListExtensions(c *gin.Context) {
	reg := h.host.Extensions()
	c.JSON(http.StatusOK, gin.H{
		"extensions": reg.Extensions(),
		"functions":  reg.Functions(),
	})
}

// LastError returns the most recently recovered error
func (h *Handlers) LastError(c *gin.Context) {
	entry, ok := h.host.LastError().Get()
	if !ok {
		c.JSON(http.StatusOK, gin.H{"error": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"error": entry})
}

// ClearLastError forgets the recorded error
func (h *Handlers) ClearLastError(c *gin.Context) {
	h.host.LastError().Clear()
	c.Status(http.StatusNoContent)
}

// SetLogLevel changes and persists the log level
func (h *Handlers) SetLogLevel(c *gin.Context) {
	var req LogLevelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}
	if err := h.host.SetLogLevel(req.Level); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"level": h.host.Logger().Level()})
}

// fail maps domain errors onto HTTP status codes
func (h *Handlers) fail(c *gin.Context, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	_ = c.Error(err)
	c.JSON(status, gin.H{"error": err.Error()})
}

// StatusFor returns the HTTP status for a domain error
func StatusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrAlreadyExists), errors.Is(err, errs.ErrMultipleMatches):
		return http.StatusConflict
	case errors.Is(err, errs.ErrPermissionDenied):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
