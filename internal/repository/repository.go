// Package repository holds what the ledger backends share.
package repository

import "errors"

var (
	ErrNotFound  = errors.New("image record not found")
	ErrDuplicate = errors.New("image id already recorded")
)
