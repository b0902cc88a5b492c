package outbox

import "sync"

// Queue serializes read-modify-write cycles against a Store. Item order is
// enqueue order.
type Queue struct {
	mu    sync.Mutex
	store *Store
}

func NewQueue(store *Store) *Queue {
	return &Queue{store: store}
}

func (q *Queue) Items() ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.Load()
}

// Enqueue appends item. An item whose client id is already queued is left
// untouched.
func (q *Queue) Enqueue(item Item) error {
	return q.mutate(func(items []Item) ([]Item, error) {
		if indexOf(items, item.ClientID) >= 0 {
			return items, nil
		}
		return append(items, item), nil
	})
}

// Update applies fn to the item with clientID.
func (q *Queue) Update(clientID string, fn func(*Item) error) error {
	return q.mutate(func(items []Item) ([]Item, error) {
		i := indexOf(items, clientID)
		if i < 0 {
			return nil, ErrItemNotFound
		}
		if err := fn(&items[i]); err != nil {
			return nil, err
		}
		return items, nil
	})
}

func (q *Queue) Remove(clientID string) error {
	return q.mutate(func(items []Item) ([]Item, error) {
		i := indexOf(items, clientID)
		if i < 0 {
			return nil, ErrItemNotFound
		}
		return append(items[:i], items[i+1:]...), nil
	})
}

func (q *Queue) mutate(fn func([]Item) ([]Item, error)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.store.Load()
	if err != nil {
		return err
	}
	items, err = fn(items)
	if err != nil {
		return err
	}
	return q.store.Save(items)
}

func indexOf(items []Item, clientID string) int {
	for i := range items {
		if items[i].ClientID == clientID {
			return i
		}
	}
	return -1
}
