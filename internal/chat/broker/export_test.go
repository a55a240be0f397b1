package broker

// LiveRooms returns the number of room records currently held.
func (b *Broker) LiveRooms() int {
	b.roomsMu.Lock()
	defer b.roomsMu.Unlock()
	return len(b.rooms)
}
