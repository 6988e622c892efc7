package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/domain"
)

// MemoryOrderStore keeps orders in process. Every read and write copies, so
// callers never observe uncommitted state.
type MemoryOrderStore struct {
	mu     sync.RWMutex
	orders map[string]*domain.Order
}

func NewMemoryOrderStore() *MemoryOrderStore {
	return &MemoryOrderStore{orders: make(map[string]*domain.Order)}
}

func (s *MemoryOrderStore) Create(_ context.Context, order *domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[order.ID]; exists {
		return fmt.Errorf("order already exists: %s", order.ID)
	}
	s.orders[order.ID] = order.Clone()
	return nil
}

func (s *MemoryOrderStore) Get(_ context.Context, orderID string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, orderID)
	}
	return order.Clone(), nil
}

func (s *MemoryOrderStore) Update(_ context.Context, order *domain.Order, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.orders[order.ID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrOrderNotFound, order.ID)
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("%w: %s at version %d, expected %d", domain.ErrConcurrentUpdate, order.ID, current.Version, expectedVersion)
	}
	s.orders[order.ID] = order.Clone()
	return nil
}

func (s *MemoryOrderStore) FindByShipmentID(_ context.Context, shipmentID string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, order := range s.orders {
		if order.Shipment != nil && order.Shipment.ShipmentID == shipmentID {
			return order.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: shipment %s", domain.ErrOrderNotFound, shipmentID)
}

// ListWithShipment returns orders in one of statuses that carry a shipment,
// oldest first.
func (s *MemoryOrderStore) ListWithShipment(_ context.Context, statuses []domain.OrderStatus, limit int) ([]*domain.Order, error) {
	wanted := make(map[domain.OrderStatus]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}

	s.mu.RLock()
	var out []*domain.Order
	for _, order := range s.orders {
		if wanted[order.Status] && order.Shipment != nil && order.Shipment.ShipmentID != "" {
			out = append(out, order.Clone())
		}
	}
	s.mu.RUnlock()

	return oldestFirst(out, limit), nil
}

func (s *MemoryOrderStore) ListCreatedBefore(_ context.Context, cutoff time.Time, limit int) ([]*domain.Order, error) {
	s.mu.RLock()
	var out []*domain.Order
	for _, order := range s.orders {
		if order.Status == domain.OrderStatusCreated && order.CreatedAt.Before(cutoff) {
			out = append(out, order.Clone())
		}
	}
	s.mu.RUnlock()

	return oldestFirst(out, limit), nil
}

func (s *MemoryOrderStore) Ping(context.Context) error { return nil }

func oldestFirst(orders []*domain.Order, limit int) []*domain.Order {
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.Before(orders[j].CreatedAt)
		}
		return orders[i].ID < orders[j].ID
	})
	if limit > 0 && len(orders) > limit {
		orders = orders[:limit]
	}
	return orders
}

// MemoryIntentStore is the in-process payment intent store.
type MemoryIntentStore struct {
	mu        sync.RWMutex
	byOrder   map[string]*domain.PaymentIntent
	byGateway map[string]string
	attempts  []domain.PaymentAttempt
}

func NewMemoryIntentStore() *MemoryIntentStore {
	return &MemoryIntentStore{
		byOrder:   make(map[string]*domain.PaymentIntent),
		byGateway: make(map[string]string),
	}
}

func (s *MemoryIntentStore) GetByOrderID(_ context.Context, orderID string) (*domain.PaymentIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	intent, ok := s.byOrder[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", domain.ErrIntentNotFound, orderID)
	}
	c := *intent
	return &c, nil
}

func (s *MemoryIntentStore) GetByGatewayOrderID(_ context.Context, gatewayOrderID string) (*domain.PaymentIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orderID, ok := s.byGateway[gatewayOrderID]
	if !ok {
		return nil, fmt.Errorf("%w: gateway order %s", domain.ErrIntentNotFound, gatewayOrderID)
	}
	c := *s.byOrder[orderID]
	return &c, nil
}

func (s *MemoryIntentStore) InsertIfAbsent(_ context.Context, intent *domain.PaymentIntent) (*domain.PaymentIntent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byOrder[intent.OrderID]; ok {
		c := *existing
		return &c, false, nil
	}
	if _, ok := s.byGateway[intent.GatewayOrderID]; ok {
		return nil, false, fmt.Errorf("gateway order %s already bound to another order", intent.GatewayOrderID)
	}

	stored := *intent
	s.byOrder[intent.OrderID] = &stored
	s.byGateway[intent.GatewayOrderID] = intent.OrderID
	c := stored
	return &c, true, nil
}

func (s *MemoryIntentStore) Update(_ context.Context, intent *domain.PaymentIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.byOrder[intent.OrderID]
	if !ok || existing.GatewayOrderID != intent.GatewayOrderID {
		return fmt.Errorf("%w: order %s", domain.ErrIntentNotFound, intent.OrderID)
	}
	stored := *intent
	s.byOrder[intent.OrderID] = &stored
	return nil
}

func (s *MemoryIntentStore) AppendAttempt(_ context.Context, attempt domain.PaymentAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, attempt)
	return nil
}

// ListAttempts returns the audit trail for gatewayOrderID in recording order.
func (s *MemoryIntentStore) ListAttempts(_ context.Context, gatewayOrderID string) ([]domain.PaymentAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.PaymentAttempt
	for _, a := range s.attempts {
		if a.GatewayOrderID == gatewayOrderID {
			out = append(out, a)
		}
	}
	return out, nil
}

// MemoryCouponStore is the in-process coupon store. Redemptions are recorded
// per order so MarkUsed can be repeated safely.
type MemoryCouponStore struct {
	mu          sync.Mutex
	coupons     map[string]domain.Coupon
	redemptions map[string]map[string]bool
}

func NewMemoryCouponStore(coupons ...domain.Coupon) *MemoryCouponStore {
	s := &MemoryCouponStore{
		coupons:     make(map[string]domain.Coupon),
		redemptions: make(map[string]map[string]bool),
	}
	for _, c := range coupons {
		_ = s.Put(context.Background(), c)
	}
	return s
}

func (s *MemoryCouponStore) Put(_ context.Context, coupon domain.Coupon) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	coupon.Code = domain.NormalizeCouponCode(coupon.Code)
	s.coupons[coupon.Code] = coupon
	return nil
}

func (s *MemoryCouponStore) Lookup(_ context.Context, code string) (domain.Coupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	coupon, ok := s.coupons[domain.NormalizeCouponCode(code)]
	if !ok {
		return domain.Coupon{}, fmt.Errorf("%w: %s", domain.ErrCouponNotFound, code)
	}
	return coupon, nil
}

func (s *MemoryCouponStore) MarkUsed(_ context.Context, code, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	code = domain.NormalizeCouponCode(code)
	coupon, ok := s.coupons[code]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrCouponNotFound, code)
	}
	if s.redemptions[code][orderID] {
		return nil
	}
	if coupon.IsExhausted() {
		return fmt.Errorf("%w: %s", domain.ErrCouponExhausted, code)
	}

	coupon.UsageCount++
	s.coupons[code] = coupon
	if s.redemptions[code] == nil {
		s.redemptions[code] = make(map[string]bool)
	}
	s.redemptions[code][orderID] = true
	return nil
}
