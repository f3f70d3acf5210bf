// SPDX-License-Identifier: MIT

package log

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestWithComponent(t *testing.T) {
	l := WithComponent("dispatcher")
	assert.NotEqual(t, zerolog.Disabled, l.GetLevel())
}

func TestContextRoundTrip(t *testing.T) {
	ctx := ContextWithConnectionID(context.Background(), "conn-1")
	ctx = ContextWithSessionID(ctx, "s1")

	assert.Equal(t, "conn-1", ConnectionIDFromContext(ctx))
	assert.Equal(t, "s1", SessionIDFromContext(ctx))
}

func TestContextMissingValues(t *testing.T) {
	assert.Empty(t, ConnectionIDFromContext(context.Background()))
	assert.Empty(t, SessionIDFromContext(context.Background()))
	assert.Empty(t, ConnectionIDFromContext(nil)) //nolint:staticcheck // nil ctx tolerated
}

func TestWithContextDoesNotPanicOnNil(t *testing.T) {
	l := WithContext(nil, Base()) //nolint:staticcheck // nil ctx tolerated
	assert.NotNil(t, l)
}
