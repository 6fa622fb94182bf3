package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/freightdesk/intake/internal/logging"
	"github.com/freightdesk/intake/internal/models"
	"github.com/freightdesk/intake/internal/store"
)

var (
	ErrVendorBusy        = errors.New("vendor already has an outstanding session")
	ErrVendorUnavailable = errors.New("vendor not found or inactive")
	ErrInvalidStatus     = errors.New("invalid session status")
)

// AssignVendor notifies vendorID about a session and marks the session
// outstanding for that vendor. A vendor has at most one outstanding session;
// assigning the same session again resends the notification.
func (r *Reconciler) AssignVendor(ctx context.Context, sessionID int64, vendorID string) (*models.Session, *models.ResponseRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// The notification is sent inside the unit; see Process.
	ctx = context.WithoutCancel(ctx)

	v, ok := r.vendors.FindByID(vendorID)
	if !ok || !v.Active {
		return nil, nil, fmt.Errorf("%s: %w", vendorID, ErrVendorUnavailable)
	}

	var session *models.Session
	var record *models.ResponseRecord
	err := r.unit(ctx, func(q *store.Queries) error {
		s, err := q.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}

		outstanding, err := q.FindOutstandingForVendor(ctx, v.ID)
		if err != nil {
			return err
		}
		if outstanding != nil && outstanding.ID != s.ID {
			return fmt.Errorf("%s is waiting on session %d: %w", v.ID, outstanding.ID, ErrVendorBusy)
		}

		MarkVendorNotified(s, v.ID, r.now())
		if err := q.UpdateSession(ctx, s); err != nil {
			return err
		}

		rec, err := r.dispatcher.NotifyVendor(ctx, q, s, v)
		if err != nil {
			return err
		}
		session, record = s, rec
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	logging.Log.WithField("session_id", sessionID).WithField("vendor_id", v.ID).
		WithField("sent", record.Sent).Info("vendor assigned")
	return session, record, nil
}

// OverrideStatus sets a session's status explicitly. It is the only way out
// of complete.
func (r *Reconciler) OverrideStatus(ctx context.Context, sessionID int64, status string) (*models.Session, error) {
	st, ok := models.ParseSessionStatus(status)
	if !ok {
		return nil, fmt.Errorf("%q: %w", status, ErrInvalidStatus)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var session *models.Session
	err := r.unit(ctx, func(q *store.Queries) error {
		s, err := q.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}

		prev := s.Status
		s.Status = st
		s.MissingFields = Missing(s.Fields)
		if st == models.StatusComplete {
			if s.CompletedAt == nil {
				t := r.now()
				s.CompletedAt = &t
			}
		} else {
			s.CompletedAt = nil
		}
		if err := q.UpdateSession(ctx, s); err != nil {
			return err
		}

		logging.Log.WithField("session_id", s.ID).Infof("status overridden: %s -> %s", prev, st)
		session = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}
