package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/example/vtc-dispatch/internal/models"
)

// MemoryStore is an in-process Store used by tests and dev mode. All
// conditional semantics match PostgresStore: CompareAndSwapCourse evaluates
// its condition and applies the patch under one lock.
type MemoryStore struct {
	mu       sync.RWMutex
	courses  map[string]*models.Course
	drivers  map[string]*models.Driver
	tokens   map[string]*models.ClaimToken // keyed by token string
	payments map[string]*models.CommissionPayment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		courses:  make(map[string]*models.Course),
		drivers:  make(map[string]*models.Driver),
		tokens:   make(map[string]*models.ClaimToken),
		payments: make(map[string]*models.CommissionPayment),
	}
}

func cloneCourse(c *models.Course) *models.Course   { cp := *c; return &cp }
func cloneDriver(d *models.Driver) *models.Driver   { cp := *d; return &cp }
func cloneToken(t *models.ClaimToken) *models.ClaimToken { cp := *t; return &cp }
func clonePayment(p *models.CommissionPayment) *models.CommissionPayment {
	cp := *p
	return &cp
}

func (m *MemoryStore) InsertCourse(ctx context.Context, c *models.Course) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.courses[c.ID] = cloneCourse(c)
	return nil
}

func (m *MemoryStore) GetCourse(ctx context.Context, id string) (*models.Course, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.courses[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneCourse(c), nil
}

func (m *MemoryStore) ListCourses(ctx context.Context) ([]*models.Course, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Course, 0, len(m.courses))
	for _, c := range m.courses {
		out = append(out, cloneCourse(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) CoursesByAssignedDriver(ctx context.Context, driverID string) ([]*models.Course, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Course
	for _, c := range m.courses {
		if c.AssignedDriverID == driverID {
			out = append(out, cloneCourse(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) CountCoursesAssignedTo(ctx context.Context, driverID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, c := range m.courses {
		if c.AssignedDriverID == driverID {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CompareAndSwapCourse(ctx context.Context, id string, cond CourseCond, lc models.Lifecycle) (*models.Course, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.courses[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	if !cond.Matches(c) {
		return nil, false, nil
	}
	lc.Apply(c)
	return cloneCourse(c), true, nil
}

func (m *MemoryStore) InsertDriver(ctx context.Context, d *models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[d.ID] = cloneDriver(d)
	return nil
}

func (m *MemoryStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDriver(d), nil
}

func (m *MemoryStore) GetDriverByEmail(ctx context.Context, email string) (*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.drivers {
		if strings.EqualFold(d.Email, email) {
			return cloneDriver(d), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListDrivers(ctx context.Context) ([]*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Driver, 0, len(m.drivers))
	for _, d := range m.drivers {
		out = append(out, cloneDriver(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) UpdateDriver(ctx context.Context, d *models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.drivers[d.ID]; !ok {
		return ErrNotFound
	}
	m.drivers[d.ID] = cloneDriver(d)
	return nil
}

func (m *MemoryStore) DeleteDriver(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.drivers[id]; !ok {
		return ErrNotFound
	}
	delete(m.drivers, id)
	return nil
}

func (m *MemoryStore) InsertClaimToken(ctx context.Context, t *models.ClaimToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[t.Token] = cloneToken(t)
	return nil
}

func (m *MemoryStore) GetClaimToken(ctx context.Context, token string) (*models.ClaimToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tokens[token]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneToken(t), nil
}

func (m *MemoryStore) ClaimTokensByCourse(ctx context.Context, courseID string) ([]*models.ClaimToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.ClaimToken
	for _, t := range m.tokens {
		if t.CourseID == courseID {
			out = append(out, cloneToken(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ExpireClaimTokens(ctx context.Context, courseID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.CourseID == courseID && t.ExpiresAt.After(now) {
			t.ExpiresAt = now
		}
	}
	return nil
}

func (m *MemoryStore) InsertPayment(ctx context.Context, p *models.CommissionPayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[p.SessionID] = clonePayment(p)
	return nil
}

func (m *MemoryStore) GetPaymentBySession(ctx context.Context, sessionID string) (*models.CommissionPayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePayment(p), nil
}

func (m *MemoryStore) PaymentsByCourse(ctx context.Context, courseID string) ([]*models.CommissionPayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.CommissionPayment
	for _, p := range m.payments {
		if p.CourseID == courseID {
			out = append(out, clonePayment(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) MarkPaymentPaid(ctx context.Context, sessionID, providerPaymentID string, paidAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[sessionID]
	if !ok {
		return false, ErrNotFound
	}
	if p.Status == models.PaymentPaid {
		return false, nil
	}
	p.Status = models.PaymentPaid
	p.ProviderPaymentID = providerPaymentID
	t := paidAt
	p.PaidAt = &t
	return true, nil
}

func (m *MemoryStore) MarkPaymentStatus(ctx context.Context, sessionID string, status models.PaymentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[sessionID]
	if !ok {
		return ErrNotFound
	}
	p.Status = status
	return nil
}

func (m *MemoryStore) PaymentsByStatus(ctx context.Context, status models.PaymentStatus) ([]*models.CommissionPayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.CommissionPayment
	for _, p := range m.payments {
		if p.Status == status {
			out = append(out, clonePayment(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
