package reconcile

import (
	"context"

	"github.com/freightdesk/intake/internal/agent"
	"github.com/freightdesk/intake/internal/models"
	"github.com/freightdesk/intake/internal/store"
	"github.com/freightdesk/intake/internal/vendor"
)

// VendorDirectory is the read-only vendor lookup the classifier needs.
type VendorDirectory interface {
	FindByEmail(addr string) (vendor.Vendor, bool)
	FindByID(id string) (vendor.Vendor, bool)
}

// Route is the role decided for a message and what it is attached to.
type Route struct {
	Role    models.Role
	Session *models.Session // set for vendor replies and follow-ups
	Vendor  *vendor.Vendor  // set for vendor replies

	// Only meaningful for new inquiries
	Classification agent.Classification
	Upgraded       bool
}

// RoleClassifier decides what a message means for the conversation.
type RoleClassifier struct {
	vendors    VendorDirectory
	classifier agent.Classifier
}

func NewRoleClassifier(vendors VendorDirectory, classifier agent.Classifier) *RoleClassifier {
	return &RoleClassifier{vendors: vendors, classifier: classifier}
}

// Classify routes msg. Checks run in order and the first match wins: a reply
// from an active vendor with an outstanding session, a follow-up on the
// thread's open session, and otherwise a new inquiry categorized by the
// classifier and the keyword heuristic.
func (rc *RoleClassifier) Classify(ctx context.Context, q *store.Queries, msg models.InboundMessage, threadSession *models.Session) (Route, error) {
	if v, ok := rc.vendors.FindByEmail(msg.From); ok && v.Active {
		outstanding, err := q.FindOutstandingForVendor(ctx, v.ID)
		if err != nil {
			return Route{}, err
		}
		if outstanding != nil {
			return Route{Role: models.RoleVendorReply, Session: outstanding, Vendor: &v}, nil
		}
	}

	if threadSession != nil && !threadSession.Status.Final() {
		return Route{Role: models.RoleCustomerFollowup, Session: threadSession}, nil
	}

	c := rc.classifier.Classify(ctx, agent.Request{
		Subject:  msg.Subject,
		From:     msg.From,
		FromName: msg.FromName,
		Body:     msg.Body,
	})
	if !c.OK {
		c.Category = models.CategoryOther
	}
	c, upgraded := Upgrade(c, msg)
	return Route{Role: models.RoleNewInquiry, Classification: c, Upgraded: upgraded}, nil
}
