package settings

import (
	"context"
	"errors"
	"fmt"

	"doser-dashboard/internal/device"
)

func indexOfNetwork(networks []device.Network, id int) int {
	for i, n := range networks {
		if n.ID == id {
			return i
		}
	}
	return -1
}

func indexOfPump(pumps []device.Pump, id int) int {
	for i, p := range pumps {
		if p.ID == id {
			return i
		}
	}
	return -1
}

// Networks returns a copy of the configured connections.
func (s *Store) Networks() []device.Network {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return device.CloneNetworks(s.settings.Networks)
}

// Network returns the connection with the given id.
func (s *Store) Network(id int) (device.Network, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := indexOfNetwork(s.settings.Networks, id)
	if i < 0 {
		return device.Network{}, false
	}
	return s.settings.Networks[i].Clone(), true
}

// AddNetwork appends a new connection locally. Nothing is sent to the device
// until the connection is submitted through UpdateNetwork.
func (s *Store) AddNetwork(candidate device.Network) (device.Network, error) {
	if candidate.Link == nil {
		return device.Network{}, errors.New("network has no link")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	networks := s.settings.Networks
	for _, n := range networks {
		if n.Type() == candidate.Type() {
			s.mu.Unlock()
			return device.Network{}, fmt.Errorf("%s: %w", candidate.Type(), ErrDuplicateNetworkType)
		}
	}
	id := len(networks)
	for indexOfNetwork(networks, id) >= 0 {
		id++
	}
	added := device.Network{ID: id, Link: candidate.Clone().Link}
	s.settings.Networks = append(networks, added)
	snapshot := device.CloneNetworks(s.settings.Networks)
	s.mu.Unlock()

	s.logger.Debug("network added", "id", id, "type", added.Type())
	s.events.Emit(EventNetworksChanged, snapshot)
	return added.Clone(), nil
}

// UpdateNetwork replaces the connection with n.ID and persists the whole
// connection list. An unknown id reports false without touching anything.
func (s *Store) UpdateNetwork(ctx context.Context, n device.Network) (bool, error) {
	if n.Link == nil {
		return false, errors.New("network has no link")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	i := indexOfNetwork(s.settings.Networks, n.ID)
	if i < 0 {
		s.mu.Unlock()
		return false, nil
	}
	for j, other := range s.settings.Networks {
		if j != i && other.Type() == n.Type() {
			s.mu.Unlock()
			return false, fmt.Errorf("%s: %w", n.Type(), ErrDuplicateNetworkType)
		}
	}
	prev := device.CloneNetworks(s.settings.Networks)
	s.settings.Networks[i] = n.Clone()
	payload := device.CloneNetworks(s.settings.Networks)
	s.mu.Unlock()

	s.events.Emit(EventNetworksChanged, device.CloneNetworks(payload))
	return s.saveNetworks(ctx, payload, prev)
}

// DeleteNetwork removes a connection and persists the remaining list.
func (s *Store) DeleteNetwork(ctx context.Context, id int) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	i := indexOfNetwork(s.settings.Networks, id)
	if i < 0 {
		s.mu.Unlock()
		return false, fmt.Errorf("network %d: %w", id, ErrNetworkNotFound)
	}
	prev := device.CloneNetworks(s.settings.Networks)
	next := make([]device.Network, 0, len(prev)-1)
	next = append(next, s.settings.Networks[:i]...)
	next = append(next, s.settings.Networks[i+1:]...)
	s.settings.Networks = next
	payload := device.CloneNetworks(next)
	s.mu.Unlock()

	s.logger.Debug("network deleted", "id", id)
	s.events.Emit(EventNetworksChanged, device.CloneNetworks(payload))
	return s.saveNetworks(ctx, payload, prev)
}

func (s *Store) saveNetworks(ctx context.Context, payload, prev []device.Network) (bool, error) {
	ok, err := s.device.SaveSettings(ctx, device.SettingsPatch{Networks: &payload})
	rolled := s.persisted(ok, err, "networks", func() {
		s.settings.Networks = prev
	})
	if rolled {
		s.events.Emit(EventNetworksChanged, device.CloneNetworks(prev))
	}
	if err != nil {
		return false, fmt.Errorf("save networks: %w", err)
	}
	return ok, nil
}

// Services returns the current services record.
func (s *Store) Services() device.Services {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.Services
}

// UpdateServices replaces the services record and persists it.
func (s *Store) UpdateServices(ctx context.Context, svc device.Services) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	prev := s.settings.Services
	s.settings.Services = svc
	s.mu.Unlock()
	s.events.Emit(EventServicesChanged, svc)

	ok, err := s.device.SaveSettings(ctx, device.SettingsPatch{Services: &svc})
	if s.persisted(ok, err, "services", func() { s.settings.Services = prev }) {
		s.events.Emit(EventServicesChanged, prev)
	}
	if err != nil {
		return false, fmt.Errorf("save services: %w", err)
	}
	return ok, nil
}

// Pumps returns a copy of the pump list.
func (s *Store) Pumps() []device.Pump {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return device.ClonePumps(s.settings.Pumps)
}

// Pump returns the pump with the given id.
func (s *Store) Pump(id int) (device.Pump, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := indexOfPump(s.settings.Pumps, id)
	if i < 0 {
		return device.Pump{}, false
	}
	return s.settings.Pumps[i].Clone(), true
}

// UpdatePump replaces the pump with p.ID. Its calibration table is sorted by
// speed first and rejected if a speed repeats. With persist the full pump
// list is sent to the device; otherwise the change stays local.
func (s *Store) UpdatePump(ctx context.Context, p device.Pump, persist bool) (bool, error) {
	p = p.Clone()
	device.SortCalibration(p.Calibration)
	if err := device.ValidateCalibration(p.Calibration); err != nil {
		return false, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	i := indexOfPump(s.settings.Pumps, p.ID)
	if i < 0 {
		s.mu.Unlock()
		return false, nil
	}
	prev := device.ClonePumps(s.settings.Pumps)
	s.settings.Pumps[i] = p
	payload := device.ClonePumps(s.settings.Pumps)
	s.mu.Unlock()

	s.logger.Debug("pump updated", "id", p.ID, "points", len(p.Calibration), "persist", persist)
	s.events.Emit(EventPumpsChanged, device.ClonePumps(payload))
	if !persist {
		return true, nil
	}

	ok, err := s.device.SaveSettings(ctx, device.SettingsPatch{Pumps: &payload})
	if s.persisted(ok, err, "pumps", func() { s.settings.Pumps = prev }) {
		s.events.Emit(EventPumpsChanged, device.ClonePumps(prev))
	}
	if err != nil {
		return false, fmt.Errorf("save pumps: %w", err)
	}
	return ok, nil
}

// UpdateAuth changes the controller's admin account.
func (s *Store) UpdateAuth(ctx context.Context, auth device.Auth) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	prev := s.settings.Auth
	s.settings.Auth = auth
	s.mu.Unlock()
	s.events.Emit(EventAuthChanged, map[string]interface{}{"username": auth.Username})

	ok, err := s.device.SaveSettings(ctx, device.SettingsPatch{Auth: &auth})
	if s.persisted(ok, err, "auth", func() { s.settings.Auth = prev }) {
		s.events.Emit(EventAuthChanged, map[string]interface{}{"username": prev.Username})
	}
	if err != nil {
		return false, fmt.Errorf("save auth: %w", err)
	}
	return ok, nil
}

// UpdateTime sets the controller clock configuration.
func (s *Store) UpdateTime(ctx context.Context, t device.Time) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	prev := s.settings.Time
	s.settings.Time = t
	s.mu.Unlock()
	s.events.Emit(EventTimeChanged, t)

	ok, err := s.device.SaveSettings(ctx, device.SettingsPatch{Time: &t})
	if s.persisted(ok, err, "time", func() { s.settings.Time = prev }) {
		s.events.Emit(EventTimeChanged, prev)
	}
	if err != nil {
		return false, fmt.Errorf("save time: %w", err)
	}
	return ok, nil
}
