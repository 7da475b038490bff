package database

const (
	SortCreatedDesc = "created_desc"
	SortCreatedAsc  = "created_asc"
)

const DefaultSortOrder = SortCreatedDesc

// IsValidSortOrder checks if a string is a valid sort order constant
func IsValidSortOrder(order string) bool {
	switch order {
	case SortCreatedDesc, SortCreatedAsc:
		return true
	default:
		return false
	}
}

// orderByClauses maps a sort order to ORDER BY terms. id breaks ties between
// records created in the same second so pagination is stable.
func orderByClauses(order string) []string {
	switch order {
	case SortCreatedAsc:
		return []string{"created_at ASC", "id ASC"}
	default:
		return []string{"created_at DESC", "id DESC"}
	}
}
