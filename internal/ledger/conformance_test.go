package ledger

// Compile-time checks that both implementations satisfy the contract.
var (
	_ Ledger = (*Memory)(nil)
	_ Ledger = (*Postgres)(nil)
)
