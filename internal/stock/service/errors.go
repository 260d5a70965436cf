package service

import "fmt"

// InsufficientStockError means the requested quantity exceeds the claimable
// total. Recoverable: the caller shows "out of stock" and must not retry
// automatically.
type InsufficientStockError struct {
	PharmacyID string
	ProductID  string
	Available  int
	Requested  int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: %d available, %d requested",
		e.ProductID, e.Available, e.Requested)
}

// AllocationDriftError means the deduction guard claimed quantity that the
// live, non-expired batches could not supply. The aggregate already promised
// the caller success, so this is prior data corruption surfacing: fatal,
// never a retry candidate. The reconciliation worker is the designed remedy,
// on its own schedule.
type AllocationDriftError struct {
	PharmacyID  string
	ProductID   string
	Claimed     int
	Allocatable int
}

func (e *AllocationDriftError) Error() string {
	return fmt.Sprintf("stock drift for product %s: claimed %d from aggregate but only %d allocatable from batches",
		e.ProductID, e.Claimed, e.Allocatable)
}
