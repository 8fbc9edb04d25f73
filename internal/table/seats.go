package table

import "sync"

// Seat locates an occupant.
type Seat struct {
	LobbyID string `json:"lobby_id"`
	TableID int    `json:"table_id"`
}

// SeatIndex maps every seated body to its table across all lobbies. It is
// the authority for the one-seat-per-body rule.
type SeatIndex struct {
	mu    sync.Mutex
	seats map[int]Seat
}

// NewSeatIndex creates an empty index.
func NewSeatIndex() *SeatIndex {
	return &SeatIndex{seats: make(map[int]Seat)}
}

// Claim records body at seat unless it is already seated somewhere.
func (s *SeatIndex) Claim(bodyOID int, seat Seat) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seats[bodyOID]; ok {
		return false
	}
	s.seats[bodyOID] = seat
	return true
}

// Release forgets body if it is recorded at seat.
func (s *SeatIndex) Release(bodyOID int, seat Seat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.seats[bodyOID]; ok && cur == seat {
		delete(s.seats, bodyOID)
	}
}

// Lookup returns the seat of body.
func (s *SeatIndex) Lookup(bodyOID int) (Seat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seat, ok := s.seats[bodyOID]
	return seat, ok
}

// Len returns the number of seated bodies.
func (s *SeatIndex) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seats)
}
