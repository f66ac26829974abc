package tollgate

import (
	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/types"
)

// Re-export common types so callers don't have to import the types and id
// packages for everyday use.

// Money is re-exported from the types package.
type Money = types.Money

// Entity is re-exported from the types package.
type Entity = types.Entity

// ID is re-exported from the id package.
type ID = id.ID

// Clock is re-exported from the types package.
type Clock = types.Clock

// Re-export Money constructors
var (
	NewMoney   = types.New
	ParseMoney = types.ParseMoney
	Zero       = types.Zero
	Sum        = types.Sum
)

// Re-export ID parsing
var (
	ParseID       = id.Parse
	ParseOptional = id.ParseOptional
)
