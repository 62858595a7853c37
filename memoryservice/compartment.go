package memoryservice

import (
	"context"
	"time"

	"github.com/engramhq/engram/engram"
)

// Compartment is a named, activatable logical memory bucket backing a
// dynamic `compartment-<id>` namespace (spec §3).
type Compartment struct {
	ID          string
	Name        string
	Description string
	CreatedAt   time.Time
	Active      bool
	ExpiresAt   *time.Time
}

func (c *Compartment) isUsable(now time.Time) bool {
	if !c.Active {
		return false
	}
	if c.ExpiresAt != nil && !now.Before(*c.ExpiresAt) {
		return false
	}
	return true
}

func (c *Compartment) toMetadata() engram.Metadata {
	m := engram.Metadata{
		"description": engram.StringValue(c.Description),
		"active":      engram.BoolValue(c.Active),
		"created_at":  engram.StringValue(c.CreatedAt.Format(time.RFC3339Nano)),
	}
	if c.ExpiresAt != nil {
		m["expires_at"] = engram.StringValue(c.ExpiresAt.Format(time.RFC3339Nano))
	} else {
		m["expires_at"] = engram.NullValue()
	}
	return m
}

func compartmentFromRecord(id, name string, m engram.Metadata) *Compartment {
	c := &Compartment{ID: id, Name: name}
	if v, ok := m["description"]; ok {
		c.Description, _ = v.AsString()
	}
	if v, ok := m["active"]; ok {
		c.Active, _ = v.AsBool()
	}
	if v, ok := m["created_at"]; ok {
		if s, ok := v.AsString(); ok {
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				c.CreatedAt = t
			}
		}
	}
	if v, ok := m["expires_at"]; ok && !v.IsNull() {
		if s, ok := v.AsString(); ok {
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				c.ExpiresAt = &t
			}
		}
	}
	return c
}

func (s *Service) loadCompartments() error {
	records, err := s.st.List(engram.NamespaceCompartments)
	if err != nil {
		return err
	}
	s.compMu.Lock()
	defer s.compMu.Unlock()
	for _, rec := range records {
		c := compartmentFromRecord(rec.ID, rec.Content, rec.Metadata)
		s.compartments[c.ID] = c
	}
	return nil
}

func (s *Service) lookupCompartment(id string) (*Compartment, bool) {
	s.compMu.RLock()
	defer s.compMu.RUnlock()
	c, ok := s.compartments[id]
	return c, ok
}

// compartmentSnapshot returns a point-in-time copy of compartment id, safe
// for the caller to read without holding compMu. setActive and
// SetCompartmentExpiration write Active/ExpiresAt through the shared pointer
// only while holding compMu.Lock, so a shallow copy taken under RLock never
// observes a half-written field.
func (s *Service) compartmentSnapshot(id string) (Compartment, bool) {
	s.compMu.RLock()
	defer s.compMu.RUnlock()
	c, ok := s.compartments[id]
	if !ok {
		return Compartment{}, false
	}
	return *c, true
}

func (s *Service) persistCompartment(c *Compartment) error {
	s.compMu.RLock()
	snapshot := *c
	s.compMu.RUnlock()
	return s.st.Put(engram.NamespaceCompartments, snapshot.ID, snapshot.Name, snapshot.toMetadata(), nil)
}

// CreateCompartment creates a new, active compartment and returns its id.
func (s *Service) CreateCompartment(name, description string) (string, error) {
	if name == "" {
		return "", engram.NewError(engram.KindInvalidArgument, "name must not be empty")
	}
	c := &Compartment{
		ID:          engram.NewID(),
		Name:        name,
		Description: description,
		CreatedAt:   time.Now().UTC(),
		Active:      true,
	}
	if err := s.persistCompartment(c); err != nil {
		return "", err
	}
	s.compMu.Lock()
	s.compartments[c.ID] = c
	s.compMu.Unlock()
	return c.ID, nil
}

func (s *Service) setActive(id string, active bool) error {
	c, ok := s.lookupCompartment(id)
	if !ok {
		return engram.NewError(engram.KindNotFound, "no such compartment")
	}
	s.compMu.Lock()
	c.Active = active
	s.compMu.Unlock()
	return s.persistCompartment(c)
}

// ActivateCompartment marks a compartment usable again.
func (s *Service) ActivateCompartment(id string) error { return s.setActive(id, true) }

// DeactivateCompartment marks a compartment unusable without deleting it.
func (s *Service) DeactivateCompartment(id string) error { return s.setActive(id, false) }

// SetCompartmentExpiration sets a compartment's TTL, counted from now.
func (s *Service) SetCompartmentExpiration(id string, ttlSeconds int) error {
	c, ok := s.lookupCompartment(id)
	if !ok {
		return engram.NewError(engram.KindNotFound, "no such compartment")
	}
	if ttlSeconds <= 0 {
		return engram.NewError(engram.KindInvalidArgument, "ttl_seconds must be positive")
	}
	expires := time.Now().UTC().Add(time.Duration(ttlSeconds) * time.Second)
	s.compMu.Lock()
	c.ExpiresAt = &expires
	s.compMu.Unlock()
	return s.persistCompartment(c)
}

// CompartmentView is the public listing shape for a compartment.
type CompartmentView struct {
	ID        string
	Name      string
	Active    bool
	ExpiresAt *time.Time
}

// ListCompartments returns every non-expired compartment.
func (s *Service) ListCompartments() []CompartmentView {
	now := time.Now().UTC()
	s.compMu.RLock()
	defer s.compMu.RUnlock()

	out := make([]CompartmentView, 0, len(s.compartments))
	for _, c := range s.compartments {
		if c.ExpiresAt != nil && !now.Before(*c.ExpiresAt) {
			continue
		}
		out = append(out, CompartmentView{ID: c.ID, Name: c.Name, Active: c.Active, ExpiresAt: c.ExpiresAt})
	}
	return out
}

// StoreInCompartment writes content into a compartment's namespace. key, if
// given, is used as the record id instead of a generated one.
func (s *Service) StoreInCompartment(ctx context.Context, id, content, key string) (string, error) {
	c, ok := s.compartmentSnapshot(id)
	if !ok {
		return "", engram.NewError(engram.KindNotFound, "no such compartment")
	}
	if !c.isUsable(time.Now().UTC()) {
		return "", engram.NewError(engram.KindInvalidArgument, "compartment is inactive or expired")
	}
	return s.addWithID(ctx, engram.CompartmentNamespace(id), key, content, nil)
}
