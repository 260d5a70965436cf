package service

import (
	"github.com/shopspring/decimal"
)

// costScale is the number of decimal places kept on a weighted-average
// unit cost.
const costScale = 4

// ConsumedBatch is one line of an allocation: a batch and how much of it a
// deduction consumed, with the unit cost the batch carried at that moment.
type ConsumedBatch struct {
	BatchID  string          `json:"batch_id"`
	LotCode  string          `json:"lot_code"`
	Quantity int             `json:"quantity"`
	UnitCost decimal.Decimal `json:"unit_cost"`
}

// WeightedUnitCost computes the quantity-weighted mean unit cost across all
// consumed batches: (sum of qty_i * cost_i) / (sum of qty_i). The value is
// frozen onto the sale line at write time; it is a historical fact and is
// never recomputed when batch costs change later.
//
// Batches without a recorded cost contribute zero, which understates COGS
// for manually added stock. Known approximation, kept pending a product
// decision on a better fallback.
func WeightedUnitCost(lines []ConsumedBatch) decimal.Decimal {
	total := decimal.Zero
	quantity := int64(0)

	for _, line := range lines {
		total = total.Add(line.UnitCost.Mul(decimal.NewFromInt(int64(line.Quantity))))
		quantity += int64(line.Quantity)
	}

	if quantity == 0 {
		// Cannot happen after a successful batch walk; guard anyway rather
		// than divide by zero.
		return decimal.Zero
	}

	return total.DivRound(decimal.NewFromInt(quantity), costScale)
}

// AllocationCost returns the total cost of an allocation (quantity times
// weighted unit cost per line, exact).
func AllocationCost(lines []ConsumedBatch) decimal.Decimal {
	total := decimal.Zero
	for _, line := range lines {
		total = total.Add(line.UnitCost.Mul(decimal.NewFromInt(int64(line.Quantity))))
	}
	return total
}
