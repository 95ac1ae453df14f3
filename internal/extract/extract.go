package extract

import (
	"log/slog"
	"strings"

	"github.com/beevik/etree"

	"trademark-lead-pipeline/internal/models"
)

// Extractor turns one raw TSDR status document into an ExtractionResult.
// It performs no I/O; every per-record problem is encoded in the result
// status rather than returned as an error.
type Extractor struct {
	log *slog.Logger
}

func New(logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{log: logger}
}

// Extract parses the document and produces exactly one result for serial.
// Field extraction is failure-isolated: a missing sub-node nulls that field
// and never aborts the record.
func (e *Extractor) Extract(serial string, raw []byte) models.ExtractionResult {
	res := models.ExtractionResult{SerialNumber: serial}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil || doc.Root() == nil {
		e.log.Warn("tsdr document did not parse", "serial", serial, "err", err)
		return errorResult(serial, "parse failure")
	}

	data := findLocal(doc.Root(), "TransactionContentBag", "TransactionData")
	if data == nil {
		return errorResult(serial, "no trademark data found")
	}
	bag := childLocal(data, "TrademarkBag")
	if bag == nil {
		return errorResult(serial, "no trademark data found")
	}
	mark := childLocal(bag, "Trademark")
	if mark == nil {
		// The source answered: the serial has no filing on record.
		res.Status = models.ResultNotFound
		return res
	}

	// Attorney-represented filings are filtered before any field work.
	// Downstream consumers only handle self-filed marks; the name is kept
	// for diagnostics.
	if name := textLocal(mark, "RecordAttorney", "Contact", "Name", "PersonName", "PersonFullName"); name != "" {
		e.log.Debug("filtered attorney-represented filing", "serial", serial)
		res.Status = models.ResultHasAttorney
		res.AttorneyName = ptr(name)
		return res
	}

	res.Status = models.ResultSuccess
	res.OwnerName = ptr(e.ownerName(mark))
	res.MarkText = ptr(textLocal(mark, "MarkRepresentation", "MarkReproduction", "WordMarkSpecification", "MarkVerbalElementText"))
	res.OwnerPhone = ptr(textLocal(mark, "NationalCorrespondent", "Contact", "PhoneNumberBag", "PhoneNumber"))
	res.OwnerEmail = ptr(e.correspondentEmail(mark))
	res.FilingDate = ptr(NormalizeDate(textLocal(mark, "ApplicationDate")))
	res.AbandonDate = ptr(NormalizeDate(textLocal(mark, "NationalTrademarkInformation", "ApplicationAbandonedDate")))
	res.AbandonReason = ptr(textLocal(mark, "NationalTrademarkInformation", "MarkCurrentStatusExternalDescriptionText"))
	return res
}

// ownerName reads the first applicant, preferring the organizational entity
// name over a person name.
func (e *Extractor) ownerName(mark *etree.Element) string {
	applicant := findLocal(mark, "ApplicantBag", "Applicant")
	if applicant == nil {
		return ""
	}
	name := findLocal(applicant, "Contact", "Name")
	if name == nil {
		return ""
	}
	if org := textLocal(name, "OrganizationName", "OrganizationStandardName"); org != "" {
		return org
	}
	return textLocal(name, "PersonName", "PersonFullName")
}

// correspondentEmail picks the address flagged Main from the national
// correspondent block, else the first non-empty one. Entries appear both as
// plain text elements and as attributed elements carrying a purpose category.
func (e *Extractor) correspondentEmail(mark *etree.Element) string {
	bag := findLocal(mark, "NationalCorrespondent", "Contact", "EmailAddressBag")
	if bag == nil {
		return ""
	}
	first := ""
	for _, el := range bag.ChildElements() {
		if el.Tag != "EmailAddressText" {
			continue
		}
		addr := strings.TrimSpace(el.Text())
		if addr == "" {
			continue
		}
		if attrLocal(el, "emailAddressPurposeCategory") == "Main" {
			return addr
		}
		if first == "" {
			first = addr
		}
	}
	return first
}

func errorResult(serial, msg string) models.ExtractionResult {
	return models.ExtractionResult{
		SerialNumber: serial,
		Status:       models.ResultError,
		ErrorMessage: &msg,
	}
}

// childLocal returns the first child whose local name matches, ignoring the
// namespace prefix. TSDR documents qualify every element but prefixes vary
// between responses.
func childLocal(el *etree.Element, local string) *etree.Element {
	for _, c := range el.ChildElements() {
		if c.Tag == local {
			return c
		}
	}
	return nil
}

// findLocal walks a path of local names from el, returning nil as soon as a
// step is missing.
func findLocal(el *etree.Element, path ...string) *etree.Element {
	cur := el
	for _, name := range path {
		if cur = childLocal(cur, name); cur == nil {
			return nil
		}
	}
	return cur
}

// textLocal returns the trimmed text at the given path, or "".
func textLocal(el *etree.Element, path ...string) string {
	t := findLocal(el, path...)
	if t == nil {
		return ""
	}
	return strings.TrimSpace(t.Text())
}

func attrLocal(el *etree.Element, local string) string {
	for _, a := range el.Attr {
		if a.Key == local {
			return a.Value
		}
	}
	return ""
}

func ptr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
