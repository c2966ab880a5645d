package sip

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/flowpbx/accesspbx/internal/events"
	"github.com/flowpbx/accesspbx/internal/sipmsg"
)

const (
	defaultExpiry = 3600  // 1 hour default registration expiry
	maxExpiry     = 86400 // 24 hours maximum
)

// Registrar is the address-of-record directory. Entries live in the shared
// State table; expiry is checked lazily on lookup and, optionally, by a
// periodic sweep.
type Registrar struct {
	state  *State
	events events.Publisher
	logger *slog.Logger
}

// NewRegistrar creates a registrar view over state.
func NewRegistrar(state *State, pub events.Publisher, logger *slog.Logger) *Registrar {
	return &Registrar{
		state:  state,
		events: pub,
		logger: logger.With("subsystem", "registrar"),
	}
}

// Upsert stores reg under reg.AOR for expiresSeconds, replacing any prior
// entry. An expiry of zero or less removes the entry instead. The stored
// registration is returned with ok=true, or ok=false when it was removed.
func (r *Registrar) Upsert(reg Registration, expiresSeconds int) (Registration, bool) {
	if expiresSeconds <= 0 {
		r.Remove(reg.AOR)
		return Registration{}, false
	}
	if expiresSeconds > maxExpiry {
		expiresSeconds = maxExpiry
	}

	r.state.mu.Lock()
	now := r.state.now()
	reg.RegisteredAt = now
	reg.Expires = now.Add(time.Duration(expiresSeconds) * time.Second)
	stored := reg
	r.state.regs[reg.AOR] = &stored
	r.state.mu.Unlock()

	r.logger.Info("user registered",
		"aor", reg.AOR,
		"contact", reg.Contact,
		"transport", reg.Transport,
		"source", reg.Source,
		"expires", expiresSeconds,
		"screen_reader", reg.Accessibility.ScreenReader,
	)
	r.publish(reg.AOR, true, reg.Accessibility)
	return reg, true
}

// Remove deletes the registration for aor. Removing an absent entry is a
// no-op.
func (r *Registrar) Remove(aor string) {
	r.state.mu.Lock()
	prev, ok := r.state.regs[aor]
	delete(r.state.regs, aor)
	r.state.mu.Unlock()

	if !ok {
		return
	}
	r.logger.Info("user unregistered", "aor", aor)
	r.publish(aor, false, prev.Accessibility)
}

// Lookup returns the live registration for aor. Expired entries are
// removed, reported as unregistered and treated as absent.
func (r *Registrar) Lookup(aor string) (Registration, bool) {
	r.state.mu.Lock()
	reg, ok, expired := r.lookupLocked(aor)
	r.state.mu.Unlock()

	if expired != nil {
		r.logger.Info("registration expired", "aor", aor)
		r.publish(aor, false, expired.Accessibility)
	}
	if !ok {
		return Registration{}, false
	}
	return reg, true
}

// lookupLocked must be called with state.mu held. An entry it drops for
// expiry is returned so the caller can report it after unlocking.
func (r *Registrar) lookupLocked(aor string) (Registration, bool, *Registration) {
	reg, ok := r.state.regs[aor]
	if !ok {
		return Registration{}, false, nil
	}
	if IsExpired(*reg, r.state.now()) {
		delete(r.state.regs, aor)
		return Registration{}, false, reg
	}
	return *reg, true, nil
}

// IsExpired reports whether reg is no longer valid at now.
func IsExpired(reg Registration, now time.Time) bool {
	return !now.Before(reg.Expires)
}

// List returns every live registration ordered by AOR.
func (r *Registrar) List() []Registration {
	r.state.mu.Lock()
	now := r.state.now()
	out := make([]Registration, 0, len(r.state.regs))
	for _, reg := range r.state.regs {
		if !IsExpired(*reg, now) {
			out = append(out, *reg)
		}
	}
	r.state.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].AOR < out[j].AOR })
	return out
}

// Count returns the number of live registrations.
func (r *Registrar) Count() int {
	return len(r.List())
}

// Sweep removes every expired registration and returns how many were removed.
func (r *Registrar) Sweep() int {
	r.state.mu.Lock()
	now := r.state.now()
	var removed []*Registration
	for aor, reg := range r.state.regs {
		if IsExpired(*reg, now) {
			removed = append(removed, reg)
			delete(r.state.regs, aor)
		}
	}
	r.state.pruneFinishedLocked(now)
	r.state.mu.Unlock()

	for _, reg := range removed {
		r.publish(reg.AOR, false, reg.Accessibility)
	}
	return len(removed)
}

// RunExpirySweep periodically removes expired registrations until ctx is
// cancelled.
func (r *Registrar) RunExpirySweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("registration expiry sweep started",
		"interval", interval.String(),
	)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("registration expiry sweep stopped")
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				r.logger.Info("expired registrations removed", "count", n)
			}
		}
	}
}

// HandleRegister processes a REGISTER request and returns the response.
func (r *Registrar) HandleRegister(req *sipmsg.Message, in InboundMessage) *sipmsg.Message {
	aor := sipmsg.URIUser(req.Get("To"))
	if aor == "" {
		aor = sipmsg.URIUser(req.Get("From"))
	}
	contact := strings.TrimSpace(req.Get("Contact"))

	r.logger.Debug("register request received",
		"aor", aor,
		"source", in.ReturnAddr,
		"transport", in.Transport,
	)

	if aor == "" || contact == "" {
		r.logger.Warn("register missing address-of-record or contact",
			"source", in.ReturnAddr,
		)
		return sipmsg.NewResponse(req, 400, sipmsg.ReasonPhrase(400))
	}

	expiry := parseExpiry(req)

	// Contact: * removes the binding regardless of the requested expiry.
	if contact == "*" || expiry == 0 {
		r.Remove(aor)
		return sipmsg.NewResponse(req, 200, sipmsg.ReasonPhrase(200))
	}

	reg, _ := r.Upsert(Registration{
		AOR:           aor,
		Contact:       sipmsg.AddrSpec(contact),
		Transport:     in.Transport,
		Source:        in.ReturnAddr,
		UserAgent:     req.Get("User-Agent"),
		Accessibility: accessibilityFrom(req),
	}, expiry)

	granted := int(reg.Expires.Sub(reg.RegisteredAt) / time.Second)
	res := sipmsg.NewResponse(req, 200, sipmsg.ReasonPhrase(200))
	res.Add("Contact", "<"+reg.Contact+">;expires="+strconv.Itoa(granted))
	res.Add("Expires", strconv.Itoa(granted))
	return res
}

func (r *Registrar) publish(aor string, registered bool, a Accessibility) {
	if r.events == nil {
		return
	}
	r.events.Publish(events.RegistrationChanged, map[string]any{
		"aor":           aor,
		"registered":    registered,
		"screen_reader": a.ScreenReader,
		"voice_speed":   a.VoiceSpeed,
		"high_contrast": a.HighContrast,
	})
}

// parseExpiry extracts the registration expiry from the request.
// Checks the Contact expires parameter first, then the Expires header, then
// uses the default.
func parseExpiry(req *sipmsg.Message) int {
	if v, ok := sipmsg.HeaderParam(req.Get("Contact"), "expires"); ok {
		if exp, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && exp >= 0 {
			return exp
		}
	}
	if v := strings.TrimSpace(req.Get("Expires")); v != "" {
		if exp, err := strconv.Atoi(v); err == nil && exp >= 0 {
			return exp
		}
	}
	return defaultExpiry
}
