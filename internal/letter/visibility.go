package letter

import "time"

// Access describes who is reading a letter.
type Access struct {
	Admin   bool
	OwnerID string
}

func (a Access) owns(l Letter) bool {
	return a.OwnerID != "" && a.OwnerID == l.OwnerID
}

// View is what a reader may see. When Locked, Letter carries only id,
// status, timestamps and the placeholder content; DeliveryAt is zero unless
// the reader owns the letter.
type View struct {
	Locked bool
	Letter Letter
}

// Evaluate decides between full content and the locked placeholder.
// Unlocked content is returned as stored; callers decrypt it.
func Evaluate(l Letter, a Access, now time.Time) View {
	if a.Admin || l.Status == StatusDraft {
		return View{Letter: l}
	}
	if l.Status == StatusScheduled && l.DeliveryAt.After(now) {
		locked := Letter{
			ID:        l.ID,
			Status:    l.Status,
			Content:   MsgLockedPlaceholder,
			CreatedAt: l.CreatedAt,
			UpdatedAt: l.UpdatedAt,
		}
		if a.owns(l) {
			locked.OwnerID = l.OwnerID
			locked.DeliveryAt = l.DeliveryAt
		}
		return View{Locked: true, Letter: locked}
	}
	return View{Letter: l}
}
