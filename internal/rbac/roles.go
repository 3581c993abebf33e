package rbac

// Role names. Keep these stable; they are embedded in operator tokens.
const (
	RoleViewer   = "viewer"   // list and inspect
	RoleReviewer = "reviewer" // viewer + approve/reject
	RoleAdmin    = "admin"
)

func IsAdmin(role string) bool { return role == RoleAdmin }

func Valid(role string) bool {
	switch role {
	case RoleViewer, RoleReviewer, RoleAdmin:
		return true
	default:
		return false
	}
}
