package mount

import (
	"context"
	"log"
)

// Handle represents one mount performed through a Manager.
type Handle struct {
	Source string
	Offset int64
	Target string

	live bool
}

// Live reports whether the handle still refers to an active mount.
func (h *Handle) Live() bool { return h.live }

// Manager owns the set of mounts of one patching run. Mounts are released
// in reverse order of creation, so that nested mounts (an image file that
// lives inside another mounted image) come down before their parents.
//
// A Manager is not safe for concurrent use.
type Manager struct {
	mounter Mounter
	handles []*Handle
}

func NewManager(m Mounter) *Manager {
	return &Manager{mounter: m}
}

// Mount mounts source at target and records the handle. Nothing is
// recorded if mounting fails.
func (m *Manager) Mount(ctx context.Context, source, target string, offset int64) (*Handle, error) {
	if offset == 0 {
		log.Printf("mounting %s at %s", source, target)
	} else {
		log.Printf("mounting %s at %s (offset %d)", source, target, offset)
	}
	if err := m.mounter.Mount(ctx, source, target, offset); err != nil {
		return nil, err
	}
	h := &Handle{
		Source: source,
		Offset: offset,
		Target: target,
		live:   true,
	}
	m.handles = append(m.handles, h)
	return h, nil
}

// Unmount releases a single handle ahead of Release. Failures are logged,
// never returned: unmounting is best-effort cleanup.
func (m *Manager) Unmount(ctx context.Context, h *Handle) {
	if !h.live {
		return
	}
	for i, other := range m.handles {
		if other == h {
			m.handles = append(m.handles[:i], m.handles[i+1:]...)
			break
		}
	}
	m.unmount(ctx, h)
}

func (m *Manager) unmount(ctx context.Context, h *Handle) {
	h.live = false
	if err := m.mounter.Unmount(ctx, h.Target); err != nil {
		log.Printf("WARNING: %v", err)
		return
	}
	log.Printf("unmounted %s", h.Target)
}

// Release unmounts every live handle in reverse order of creation and
// returns them in the order they were released. It keeps going after a
// failed unmount and runs even if ctx is already cancelled, so that an
// interrupted run still tears down its mounts.
func (m *Manager) Release(ctx context.Context) []*Handle {
	ctx = context.WithoutCancel(ctx)
	released := make([]*Handle, 0, len(m.handles))
	for i := len(m.handles) - 1; i >= 0; i-- {
		h := m.handles[i]
		m.unmount(ctx, h)
		released = append(released, h)
	}
	m.handles = nil
	return released
}

// Active returns the live handles in creation order.
func (m *Manager) Active() []*Handle {
	return append([]*Handle(nil), m.handles...)
}
