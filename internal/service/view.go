package service

import (
	"sort"

	"identityrecon/internal/models"
)

// BuildView assembles the consolidated view of a cluster. Emails and phone
// numbers are deduplicated and sorted, with the primary's own value first.
// Every contact other than the primary is reported as a secondary, whatever
// its stored precedence. Deleted contacts are ignored.
func BuildView(primaryID int64, contacts []*models.Contact) models.ContactResponse {
	var primary *models.Contact
	emailSet := make(map[string]bool)
	phoneSet := make(map[string]bool)
	secondaryIDs := []int64{}

	for _, c := range contacts {
		if c.DeletedAt != nil {
			continue
		}
		if c.ID == primaryID {
			primary = c
		} else {
			secondaryIDs = append(secondaryIDs, c.ID)
		}
		if c.Email != nil && *c.Email != "" {
			emailSet[*c.Email] = true
		}
		if c.PhoneNumber != nil && *c.PhoneNumber != "" {
			phoneSet[*c.PhoneNumber] = true
		}
	}

	var primaryEmail, primaryPhone *string
	if primary != nil {
		primaryEmail, primaryPhone = primary.Email, primary.PhoneNumber
	}

	sort.Slice(secondaryIDs, func(i, j int) bool { return secondaryIDs[i] < secondaryIDs[j] })

	return models.ContactResponse{
		PrimaryContactID:    primaryID,
		Emails:              primaryFirst(emailSet, primaryEmail),
		PhoneNumbers:        primaryFirst(phoneSet, primaryPhone),
		SecondaryContactIDs: secondaryIDs,
	}
}

func primaryFirst(set map[string]bool, first *string) []string {
	values := make([]string, 0, len(set))
	for v := range set {
		if first != nil && v == *first {
			continue
		}
		values = append(values, v)
	}
	sort.Strings(values)
	if first != nil && set[*first] {
		values = append([]string{*first}, values...)
	}
	return values
}
