package types

import "fmt"

const (
	anyTier = -1
	anyDir  = -1
)

// Location scopes a placement request or a query: the whole store, any
// directory of one tier, or one directory of one tier.
// Locations are comparable values.
type Location struct {
	tier int
	dir  int
}

// AnyTier is the whole store.
func AnyTier() Location {
	return Location{tier: anyTier, dir: anyDir}
}

// AnyDirInTier is any directory of the tier with the given alias.
func AnyDirInTier(tierAlias int) Location {
	return Location{tier: tierAlias, dir: anyDir}
}

// InDir is the directory at dirIndex of the tier with the given alias.
func InDir(tierAlias, dirIndex int) Location {
	return Location{tier: tierAlias, dir: dirIndex}
}

// TierAlias returns the tier alias, or -1 for AnyTier.
func (l Location) TierAlias() int { return l.tier }

// DirIndex returns the directory index, or -1 when no directory is named.
func (l Location) DirIndex() int { return l.dir }

func (l Location) IsAnyTier() bool { return l.tier == anyTier }

func (l Location) IsAnyDir() bool { return l.dir == anyDir }

// BelongsTo reports whether l falls within scope. A directory location
// belongs to its tier and to AnyTier; a tier location belongs to AnyTier.
func (l Location) BelongsTo(scope Location) bool {
	if scope.IsAnyTier() {
		return true
	}
	if l.tier != scope.tier {
		return false
	}
	if scope.IsAnyDir() {
		return true
	}
	return l.dir == scope.dir
}

func (l Location) String() string {
	switch {
	case l.IsAnyTier():
		return "any"
	case l.IsAnyDir():
		return fmt.Sprintf("tier=%d", l.tier)
	default:
		return fmt.Sprintf("tier=%d/dir=%d", l.tier, l.dir)
	}
}
