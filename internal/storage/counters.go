package storage

// Counter names.
const (
	CounterRoute = "route"
	CounterSwap  = "swap"
)

// NextID increments and returns the named counter. The first id is 1.
func (t *Tx) NextID(name string) (uint64, error) {
	_, err := t.exec(`
		INSERT INTO counters (name, value) VALUES (?, 1)
		ON CONFLICT(name) DO UPDATE SET value = value + 1`, name)
	if err != nil {
		return 0, err
	}
	var id uint64
	if err := t.queryRow(`SELECT value FROM counters WHERE name = ?`, name).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
