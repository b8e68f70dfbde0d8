package api

import (
	"net/http"

	"github.com/paychecklabs/paycheck/internal/authz"
	"github.com/paychecklabs/paycheck/pkg/audit"
)

// trail stamps request origin and actor identity onto audit events before
// handing them to the recorder. A nil recorder disables the whole surface.
type trail struct {
	rec *audit.Recorder
}

// Member records an action performed through org membership. The acted-as
// member is the actor; on impersonated calls the authenticating operator
// appears only in the impersonator field.
func (t trail) Member(r *http.Request, mc *authz.MemberContext, e audit.Event) {
	e.ActorType = audit.ActorOrgMember
	e.UserID = mc.Member.User.ID
	e.UserEmail = mc.Member.User.Email
	e.UserName = mc.Member.User.Name
	e.OrgID = mc.Member.OrgID
	if mc.Project != nil {
		if e.ProjectID == "" {
			e.ProjectID = mc.Project.ID
		}
		if e.ProjectName == "" {
			e.ProjectName = mc.Project.Name
		}
	}
	if imp := mc.Impersonator; imp != nil {
		e.Impersonator = &audit.Impersonator{OperatorID: imp.UserID, OperatorEmail: imp.Email}
	}
	t.record(r, e)
}

// Operator records an action performed on the operator surface.
func (t trail) Operator(r *http.Request, oc *authz.OperatorContext, e audit.Event) {
	e.ActorType = audit.ActorOperator
	e.UserID = oc.User.ID
	e.UserEmail = oc.User.Email
	e.UserName = oc.User.Name
	t.record(r, e)
}

// Public records an unauthenticated customer action. These rows fall under
// the shorter public retention window.
func (t trail) Public(r *http.Request, e audit.Event) {
	e.ActorType = audit.ActorPublic
	t.record(r, e)
}

func (t trail) record(r *http.Request, e audit.Event) {
	if t.rec == nil {
		return
	}
	e.IPAddress = GetClientIP(r)
	e.UserAgent = r.UserAgent()
	t.rec.Record(e)
}
