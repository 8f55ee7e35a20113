// Package broker defines the Gateway interface to the broker's REST API and
// provides the HTTP client and an in-memory simulator implementing it.
package broker

import (
	"context"
	"strings"
	"time"

	"levelx/internal/domain"
)

// BarUnit is the aggregation unit for historical bars.
type BarUnit int

// Bar units, matching the gateway's wire codes.
const (
	BarUnitSecond BarUnit = 1
	BarUnitMinute BarUnit = 2
	BarUnitHour   BarUnit = 3
	BarUnitDay    BarUnit = 4
	BarUnitWeek   BarUnit = 5
	BarUnitMonth  BarUnit = 6
)

// BarRequest selects historical bars.
type BarRequest struct {
	ContractID        string
	Live              bool
	Start             time.Time
	End               time.Time
	Unit              BarUnit
	UnitNumber        int
	Limit             int
	IncludePartialBar bool
}

// ModifyRequest changes a working order. Nil fields are left unchanged.
type ModifyRequest struct {
	AccountID  int64
	OrderID    int64
	Size       *int
	LimitPrice *float64
	StopPrice  *float64
	TrailPrice *float64
}

// Gateway abstracts the broker's request/response surface.
type Gateway interface {
	// Name returns the gateway identifier (e.g. "projectx", "simulator").
	Name() string

	SearchAccounts(ctx context.Context, onlyActive bool) ([]domain.Account, error)
	SearchContracts(ctx context.Context, text string, live bool) ([]domain.Contract, error)
	ContractByID(ctx context.Context, id string) (domain.Contract, error)
	RetrieveBars(ctx context.Context, req BarRequest) ([]domain.Bar, error)

	SearchOrders(ctx context.Context, accountID int64, start, end time.Time) ([]domain.OrderReport, error)
	SearchOpenOrders(ctx context.Context, accountID int64) ([]domain.OrderReport, error)

	// PlaceOrder submits an order and returns the broker order id.
	PlaceOrder(ctx context.Context, intent domain.OrderIntent) (int64, error)
	CancelOrder(ctx context.Context, accountID, orderID int64) error
	ModifyOrder(ctx context.Context, req ModifyRequest) error

	SearchOpenPositions(ctx context.Context, accountID int64) ([]domain.Position, error)
	CloseContract(ctx context.Context, accountID int64, contractID string) error
	PartialCloseContract(ctx context.Context, accountID int64, contractID string, size int) error

	SearchTrades(ctx context.Context, accountID int64, start, end time.Time) ([]domain.Fill, error)
}

// IsDuplicateTag reports whether err is a rejection caused by reusing a
// custom tag that the broker has already accepted.
func IsDuplicateTag(err error) bool {
	if !domain.IsRejection(err) {
		return false
	}
	msg := strings.ToLower(err.Error())
	if !strings.Contains(msg, "tag") {
		return false
	}
	return strings.Contains(msg, "already") || strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
