package middleware

import (
	"net/http"
)

type Operators interface {
	IsOperator(userID string) bool
}

// RequireOperator guards maintenance routes. It must run after Auth.
func RequireOperator(operators Operators) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := UserIDFromContext(r.Context())
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if operators == nil || !operators.IsOperator(userID) {
				http.Error(w, "operator privileges required", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// OperatorSet is a static allow-list of operator user ids.
type OperatorSet map[string]struct{}

func NewOperatorSet(userIDs ...string) OperatorSet {
	set := make(OperatorSet, len(userIDs))
	for _, id := range userIDs {
		if id != "" {
			set[id] = struct{}{}
		}
	}
	return set
}

func (s OperatorSet) IsOperator(userID string) bool {
	_, ok := s[userID]
	return ok
}
