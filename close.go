package magsim

// Close releases resources held by the simulation.
//
// This is primarily useful for StorageDisk, which holds a memory mapping,
// but it also returns any in-memory sensitivity reservation to the resource
// controller. Close is idempotent; operations after Close return ErrClosed.
func (s *Simulation) Close() error {
	if s == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	err := s.releaseG()
	s.model = nil
	s.chi = nil
	s.ampDeriv = nil
	s.gtgDiag = nil
	s.haveDiag = false
	return err
}

// releaseG drops the current sensitivity operator, unmapping and returning
// reservations as needed. Callers must hold s.mu.
func (s *Simulation) releaseG() error {
	var firstErr error
	if s.gMapped != nil {
		if err := s.gMapped.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.gMapped = nil
	}
	if s.gBytes > 0 {
		s.controller.ReleaseMemory(s.gBytes)
		s.gBytes = 0
	}
	s.g = nil
	return firstErr
}
