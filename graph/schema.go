package graph

import (
	"slices"
	"strings"
)

// TypeDef names an entity or relationship type and tells the model what it
// means.
type TypeDef struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// Schema is the closed set of types extraction may emit. Anything outside it
// is dropped.
type Schema struct {
	Entities      []TypeDef `json:"entities"`
	Relationships []TypeDef `json:"relationships"`
}

var maEntityTypes = []TypeDef{
	{"Acquirer", "Company purchasing or taking control of another company"},
	{"TargetCompany", "Company being acquired or merged into another entity"},
	{"MergerVehicle", "Subsidiary created to carry out the merger, usually merging into the target"},
	{"HoldingCompany", "Parent company holding controlling interests used to structure the acquisition"},
	{"FinancialAdvisor", "Investment bank or advisory firm giving valuation opinions or deal advice"},
	{"LawFirm", "Legal counsel representing a party to the transaction"},
	{"PayingAgent", "Institution handling payment of cash or securities to target shareholders"},
	{"ExchangeAgent", "Institution exchanging target shares for merger consideration"},
	{"Trustee", "Trustee for debt instruments affected by the transaction"},
	{"KnowledgeDefinition", "Definition of what counts as knowledge for representations and warranties"},
	{"MaterialAdverseEffectDefinition", "Definition of changes significant enough to allow termination or repricing"},
	{"CompanyMaterialAdverseEffect", "Material adverse effect definition specific to the target company"},
	{"AcquisitionProposalDefinition", "Definition of a competing takeover proposal"},
	{"SuperiorProposalDefinition", "Definition of a competing proposal more favourable to shareholders"},
	{"AcceptableConfidentialityAgreement", "Confidentiality agreement required before sharing diligence with other bidders"},
	{"ChangeOfRecommendation", "Board action withdrawing or modifying its recommendation of the merger"},
	{"MergerConsideration", "Price and form of payment target shareholders receive"},
	{"TerminationFee", "Fee payable when the agreement terminates in specified circumstances"},
	{"HSRApproval", "Antitrust clearance under the Hart-Scott-Rodino Act"},
	{"AntitrustApproval", "Clearance from competition authorities"},
	{"SECFilingRequirements", "Filings and approvals required by the Securities and Exchange Commission"},
	{"CompanyStockholderApproval", "Target stockholder vote approving the merger"},
	{"NoLegalProhibition", "Condition that no order or law prohibits closing"},
	{"NoShopProvision", "Restriction on soliciting competing proposals"},
	{"FiduciaryOut", "Exception letting the board act as its fiduciary duties require"},
	{"FiduciaryTerminationRight", "Target right to terminate to accept a superior proposal"},
	{"TailProvision", "Period after termination during which the fee still applies"},
	{"OrdinaryCourseCovenant", "Obligation to run the business in the ordinary course before closing"},
	{"NegativeCovenant", "Actions the target may not take without acquirer consent"},
	{"ConsiderationStructure", "Terms and structure of payment to target shareholders"},
	{"TransactionType", "Legal structure of the acquisition such as one-step merger or tender offer"},
	{"ExchangeRatio", "Number of acquirer shares received per target share"},
	{"MinimumCondition", "Minimum tender threshold before the acquirer must buy"},
	{"CovenantCompliance", "Closing condition that interim covenants were complied with"},
	{"NoMaterialAdverseEffect", "Closing condition that no material adverse effect occurred"},
	{"RepresentationAccuracy", "Closing condition that representations remain true at closing"},
	{"OrdinaryCourseOperations", "Commitment to operate normally during the interim period"},
	{"ProhibitedActions", "Corporate actions prohibited during the interim period"},
	{"SpecificRestrictions", "Detailed limits on activities such as compensation changes during the interim period"},
	{"SpecificPerformance", "Right to seek a court order compelling performance"},
	{"TerminationFeeTriggers", "Events that trigger the obligation to pay a termination fee"},
	{"DamagesLimitations", "Caps on monetary damages available to the parties"},
}

var maRelationshipTypes = []TypeDef{
	{"Acquires", "Source acquires ownership or control of target"},
	{"Owns", "Source owns target as a subsidiary"},
	{"MergesWith", "Source merges with and into target"},
	{"Advises", "Source provides financial advice to target"},
	{"Represents", "Source acts as legal counsel for target"},
	{"DefinedIn", "Source term is defined in target provision"},
	{"CrossReferences", "Source provision refers to target provision"},
	{"IncorporatesByReference", "Source incorporates target document or schedule"},
	{"GovernedBy", "Source is governed by target law or jurisdiction"},
	{"SubjectTo", "Source depends on satisfaction of target"},
	{"RequiresApprovalFrom", "Source requires formal approval from target"},
	{"Pays", "Source owes payment to target"},
	{"TriggersFee", "Source event triggers target fee"},
	{"TriggersIf", "Source action triggers target consequence"},
	{"ExceptWhen", "Source rule does not apply when target holds"},
	{"SubjectToCondition", "Source action or closing depends on target condition"},
}

// DefaultSchema returns the merger agreement schema.
func DefaultSchema() Schema {
	return Schema{
		Entities:      slices.Clone(maEntityTypes),
		Relationships: slices.Clone(maRelationshipTypes),
	}
}

// Restrict keeps only the named entity types. An empty list keeps all.
// Relationship types are left untouched; a relationship survives
// validation only if both endpoints do.
func (s Schema) Restrict(entityTypes []string) Schema {
	if len(entityTypes) == 0 {
		return s
	}
	out := Schema{Relationships: s.Relationships}
	for _, e := range s.Entities {
		if slices.Contains(entityTypes, e.Type) {
			out.Entities = append(out.Entities, e)
		}
	}
	return out
}

// EntityTypes lists the entity type names in schema order.
func (s Schema) EntityTypes() []string {
	return typeNames(s.Entities)
}

// HasEntity reports whether t is an entity type of the schema.
func (s Schema) HasEntity(t string) bool {
	return hasType(s.Entities, t)
}

// HasRelationship reports whether t is a relationship type of the schema.
func (s Schema) HasRelationship(t string) bool {
	return hasType(s.Relationships, t)
}

func hasType(defs []TypeDef, t string) bool {
	for _, d := range defs {
		if d.Type == t {
			return true
		}
	}
	return false
}

func typeNames(defs []TypeDef) []string {
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Type
	}
	return names
}

func formatTypes(defs []TypeDef) string {
	var b strings.Builder
	for _, d := range defs {
		b.WriteString("- ")
		b.WriteString(d.Type)
		b.WriteString(": ")
		b.WriteString(d.Description)
		b.WriteByte('\n')
	}
	return b.String()
}
