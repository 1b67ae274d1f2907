package order

import (
	"context"
	"sync"

	"github.com/bwmarrin/snowflake"
)

// Memory is an in-process order store used in tests and when no order
// service is configured.
type Memory struct {
	mu     sync.Mutex
	orders map[snowflake.ID]memoryOrder
	Paid   []snowflake.ID
	Failed []snowflake.ID
}

type memoryOrder struct {
	amount   int64
	currency string
}

func NewMemory() *Memory {
	return &Memory{orders: make(map[snowflake.ID]memoryOrder)}
}

// Seed registers an order with its payable amount.
func (m *Memory) Seed(orderID snowflake.ID, amount int64, currency string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[orderID] = memoryOrder{amount: amount, currency: currency}
}

func (m *Memory) GetOrderAmount(ctx context.Context, orderID snowflake.ID) (int64, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return 0, "", ErrOrderNotFound
	}
	return o.amount, o.currency, nil
}

func (m *Memory) MarkOrderPaid(ctx context.Context, orderID snowflake.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[orderID]; !ok {
		return ErrOrderNotFound
	}
	m.Paid = append(m.Paid, orderID)
	return nil
}

func (m *Memory) MarkOrderFailed(ctx context.Context, orderID snowflake.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[orderID]; !ok {
		return ErrOrderNotFound
	}
	m.Failed = append(m.Failed, orderID)
	return nil
}
