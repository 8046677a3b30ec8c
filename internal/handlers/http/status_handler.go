package http

import (
	"net/http"

	"routerd/internal/core/domain"

	"github.com/gin-gonic/gin"
)

// DirectoryReader is the read side of the directory store.
type DirectoryReader interface {
	Snapshot(kinds ...domain.DirectoryKind) domain.Snapshot
	Host(id domain.HostID) (domain.HostRecord, bool)
	Relay(id domain.RelayID) (domain.RelayRecord, bool)
}

type SessionLister interface {
	Sessions() []domain.Session
	Session(id domain.SessionID) (domain.Session, bool)
}

// StatusHandler serves a read-only view of the directory and the live
// sessions to operators.
type StatusHandler struct {
	directory DirectoryReader
	sessions  SessionLister
}

func NewStatusHandler(directory DirectoryReader, sessions SessionLister) *StatusHandler {
	return &StatusHandler{directory: directory, sessions: sessions}
}

// SetupRoutes mounts the handlers on group, which is expected to carry
// the admin auth middleware already.
func (h *StatusHandler) SetupRoutes(group *gin.RouterGroup) {
	group.GET("/hosts", h.ListHosts)
	group.GET("/hosts/:id", h.GetHost)
	group.GET("/relays", h.ListRelays)
	group.GET("/relays/:id", h.GetRelay)
	group.GET("/users", h.ListUsers)
	group.GET("/sessions", h.ListSessions)
	group.GET("/sessions/:id", h.GetSession)
}

func (h *StatusHandler) ListHosts(c *gin.Context) {
	snap := h.directory.Snapshot(domain.KindHost)
	hosts := snap.Hosts
	if hosts == nil {
		hosts = []domain.HostRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"seq": snap.Seq, "hosts": hosts})
}

func (h *StatusHandler) GetHost(c *gin.Context) {
	host, ok := h.directory.Host(domain.HostID(c.Param("id")))
	if !ok {
		_ = c.Error(domain.ErrHostNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"host": host})
}

func (h *StatusHandler) ListRelays(c *gin.Context) {
	snap := h.directory.Snapshot(domain.KindRelay)
	relays := snap.Relays
	if relays == nil {
		relays = []domain.RelayRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"seq": snap.Seq, "relays": relays})
}

func (h *StatusHandler) GetRelay(c *gin.Context) {
	relay, ok := h.directory.Relay(domain.RelayID(c.Param("id")))
	if !ok {
		_ = c.Error(domain.ErrRelayNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"relay": relay})
}

func (h *StatusHandler) ListUsers(c *gin.Context) {
	snap := h.directory.Snapshot(domain.KindUser)
	users := make([]domain.UserRecord, 0, len(snap.Users))
	for _, u := range snap.Users {
		users = append(users, u.Public())
	}
	c.JSON(http.StatusOK, gin.H{"seq": snap.Seq, "users": users})
}

func (h *StatusHandler) ListSessions(c *gin.Context) {
	sessions := h.sessions.Sessions()
	if state := c.Query("state"); state != "" {
		filtered := sessions[:0]
		for _, s := range sessions {
			if string(s.State) == state {
				filtered = append(filtered, s)
			}
		}
		sessions = filtered
	}
	c.JSON(http.StatusOK, gin.H{"count": len(sessions), "sessions": sessions})
}

func (h *StatusHandler) GetSession(c *gin.Context) {
	s, ok := h.sessions.Session(domain.SessionID(c.Param("id")))
	if !ok {
		_ = c.Error(domain.ErrSessionNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": s})
}
