package dispatch

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/vtc-dispatch/internal/models"
)

// WatchSession is one connected claim-page socket.
type WatchSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WatchSession) Send(u models.ClaimUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(u)
}

// ClaimWatchRegistry holds the claim-page sockets watching each course so
// reservation and assignment changes show up live. A nil registry is valid
// and broadcasts nothing.
type ClaimWatchRegistry struct {
	mu       sync.RWMutex
	watchers map[string][]*WatchSession // course id -> sessions
	log      *slog.Logger
}

func NewClaimWatchRegistry(log *slog.Logger) *ClaimWatchRegistry {
	return &ClaimWatchRegistry{watchers: make(map[string][]*WatchSession), log: log}
}

func (r *ClaimWatchRegistry) Add(courseID string, conn *websocket.Conn) *WatchSession {
	s := &WatchSession{conn: conn}
	r.mu.Lock()
	r.watchers[courseID] = append(r.watchers[courseID], s)
	r.mu.Unlock()
	return s
}

func (r *ClaimWatchRegistry) Remove(courseID string, s *WatchSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions := r.watchers[courseID]
	for i, x := range sessions {
		if x == s {
			r.watchers[courseID] = append(sessions[:i], sessions[i+1:]...)
			break
		}
	}
	if len(r.watchers[courseID]) == 0 {
		delete(r.watchers, courseID)
	}
}

// Broadcast pushes a claim-state frame to every watcher of a course.
// Dead sockets are dropped on write failure.
func (r *ClaimWatchRegistry) Broadcast(u models.ClaimUpdate) {
	if r == nil {
		return
	}
	r.mu.RLock()
	sessions := append([]*WatchSession(nil), r.watchers[u.CourseID]...)
	r.mu.RUnlock()
	for _, s := range sessions {
		if err := s.Send(u); err != nil {
			r.log.Debug("claim watch send failed", "course_id", u.CourseID, "error", err)
			_ = s.conn.Close()
			r.Remove(u.CourseID, s)
		}
	}
}
