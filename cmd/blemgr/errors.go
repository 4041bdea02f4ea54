package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/srg/blemgr/internal/scenario"
	"github.com/srg/blemgr/pkg/bondstore"
	"github.com/srg/blemgr/pkg/manager"
)

// Command-level errors
var (
	// ErrExpectationsFailed reports a scenario that ran to the end with failed expect steps.
	ErrExpectationsFailed = errors.New("scenario expectations failed")

	// ErrNoBondStore indicates neither --store nor bond_store.path named a bond store file.
	ErrNoBondStore = errors.New("no bond store file given")
)

// FormatUserError turns an error chain into a message for the terminal.
func FormatUserError(err error) string {
	var capErr *manager.CapacityError
	var pathErr *os.PathError

	switch {
	case errors.As(err, &capErr):
		return fmt.Sprintf("%s is full (limit %d); raise it in the config file", capErr.Resource, capErr.Limit)
	case errors.Is(err, bondstore.ErrNoSpace):
		return "bond store is full; run 'blemgr bonds compact' or raise bond_store.capacity"
	case errors.Is(err, ErrNoBondStore):
		return "no bond store file given; use --store or set bond_store.path in the config file"
	case errors.Is(err, context.DeadlineExceeded):
		return "timed out waiting for the manager to dispatch events"
	case errors.Is(err, scenario.ErrExpectation), errors.Is(err, ErrExpectationsFailed):
		return err.Error()
	case errors.As(err, &pathErr):
		return fmt.Sprintf("%s: %s", pathErr.Path, pathErr.Err)
	}
	return err.Error()
}
