// Package wallet tracks spending against a hard per-session budget. The
// ledger reserves funds before a settlement is attempted and commits or
// releases them when the outcome is known, so concurrent payments can never
// jointly exceed the configured limit. Completed payments are appended to a
// persistent log for audit.
package wallet
