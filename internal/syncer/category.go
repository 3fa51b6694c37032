package syncer

import (
	"fmt"

	"github.com/vhskeelz/skeelzdb/internal/fields"
)

// Lookup is one field used to find an existing remote object for a local
// entity that has no cache entry yet.
type Lookup struct {
	// Field is the remote field compared in the SOQL WHERE clause.
	Field string `toml:"field" mapstructure:"field"`
	// Source is the row column holding the value.
	Source string `toml:"source" mapstructure:"source"`
}

// Category binds a local export to a remote object type.
type Category struct {
	// Name is the cache object type, e.g. company_account.
	Name string `toml:"name" mapstructure:"name"`
	// Object is the remote sobject name, e.g. Account.
	Object string `toml:"object" mapstructure:"object"`
	// IDColumn is the row column holding the local id.
	IDColumn string `toml:"id_column" mapstructure:"id_column"`
	// Query selects the source rows.
	Query   string       `toml:"query" mapstructure:"query"`
	Fields  fields.Table `toml:"fields" mapstructure:"fields"`
	Lookups []Lookup     `toml:"lookups" mapstructure:"lookups"`
	// ManagedField and ManagedValue flag a remote record as owned by this
	// system; it wins when a lookup matches several records.
	ManagedField string `toml:"managed_field" mapstructure:"managed_field"`
	ManagedValue string `toml:"managed_value" mapstructure:"managed_value"`
}

func (c Category) Validate() error {
	if c.Name == "" || c.Object == "" || c.IDColumn == "" || c.Query == "" {
		return fmt.Errorf("category %q: name, object, id_column and query are required", c.Name)
	}
	if err := c.Fields.Validate(); err != nil {
		return fmt.Errorf("category %s: %w", c.Name, err)
	}
	return nil
}

// Defaults carries the org specific constants of the default categories.
type Defaults struct {
	CandidatesAccountID string `toml:"candidates_account_id" mapstructure:"candidates_account_id"`
	CaseRecordTypeID    string `toml:"case_record_type_id" mapstructure:"case_record_type_id"`
}

const managedByAPI = `{"managed_by_api": 2}`

// DefaultCategories returns the company, candidate and position categories
// in the order they must be synced.
func DefaultCategories(d Defaults) []Category {
	return []Category{
		{
			Name:     "company_account",
			Object:   "Account",
			IDColumn: "companyId",
			Query: `WITH ranked AS (
				SELECT "Company id" AS "companyId", "Company name" AS company_name,
					ROW_NUMBER() OVER (PARTITION BY "Company id") AS rn
				FROM skeelz_export_positions
			) SELECT "companyId", company_name FROM ranked WHERE rn = 1 AND company_name != 'null'`,
			Fields: fields.Table{
				{Output: "Name", Source: "company_name", Required: true},
				{Output: "comp_id__c", Source: "companyId", Required: true},
				{Output: "Company_id__c", Source: "companyId", Required: true},
			},
			Lookups: []Lookup{
				{Field: "Company_id__c", Source: "companyId"},
				{Field: "comp_id__c", Source: "companyId"},
				{Field: "Name", Source: "company_name"},
			},
			ManagedField: "vhskeelz_api_cmt__c",
			ManagedValue: managedByAPI,
		},
		{
			Name:     "candidate_contact",
			Object:   "Contact",
			IDColumn: "candidate_id",
			Query: `SELECT "Email" AS email, "Candidate first name" AS first_name, "Candidate last name" AS last_name,
				"Candidate id" AS candidate_id, "Gender" AS gender, "Candidate location" AS location,
				"Phone number" AS phone_number
			FROM skeelz_export_candidates`,
			Fields: fields.Table{
				{Output: "AccountId", Const: d.CandidatesAccountID},
				{Output: "FirstName", Source: "first_name"},
				{Output: "LastName", Source: "last_name", Required: true, Default: "-"},
				{Output: "Email", Source: "email", Required: true},
				{Output: "Candidate_id__c", Source: "candidate_id", Required: true},
				{Output: "Gender__c", Source: "gender", Transform: "gender"},
				{Output: "City_c__c", Source: "location"},
				{Output: "MobilePhone", Source: "phone_number"},
			},
			Lookups: []Lookup{{Field: "Candidate_id__c", Source: "candidate_id"}},
		},
		{
			Name:     "position_case",
			Object:   "Case",
			IDColumn: "position_id",
			Query: `SELECT "City" AS city, "Position description" AS position_description,
				"Position name" AS position_name, "Employment type" AS "employmentType",
				"Hiring user" AS "hiringUser", "Position type" AS "positionType",
				"Position id" AS position_id
			FROM skeelz_export_positions`,
			Fields: fields.Table{
				{Output: "City__c", Source: "city"},
				{Output: "Description", Source: "position_description"},
				{Output: "Subject", Source: "position_name"},
				{Output: "employmentType__c", Source: "employmentType"},
				{Output: "hiringUser__c", Source: "hiringUser"},
				{Output: "positionType__c", Source: "positionType"},
				{Output: "Position_id__c", Source: "position_id", Required: true},
				{Output: "RecordTypeId", Const: d.CaseRecordTypeID},
			},
			Lookups: []Lookup{{Field: "Position_id__c", Source: "position_id"}},
		},
	}
}
