package usage

import "github.com/quotaguard/quotabar/internal/models"

// NewIdentity builds an identity from raw strings. Blank fields become nil and
// an identity without any field is nil.
func NewIdentity(email, organization, loginMethod string) *models.Identity {
	id := &models.Identity{
		AccountEmail:        cleanString(email),
		AccountOrganization: cleanString(organization),
		LoginMethod:         cleanString(loginMethod),
	}
	if id.AccountEmail == nil && id.AccountOrganization == nil && id.LoginMethod == nil {
		return nil
	}
	return id
}

// MergeIdentity fills nil fields of base from extra.
func MergeIdentity(base, extra *models.Identity) *models.Identity {
	if base == nil {
		return extra
	}
	if extra == nil {
		return base
	}
	out := *base
	if out.AccountEmail == nil {
		out.AccountEmail = extra.AccountEmail
	}
	if out.AccountOrganization == nil {
		out.AccountOrganization = extra.AccountOrganization
	}
	if out.LoginMethod == nil {
		out.LoginMethod = extra.LoginMethod
	}
	return &out
}
