// Package metadata models the subset of the DataCite kernel the registrar
// accepts, and the degradations applied when a payload is too large.
package metadata

import (
	"encoding/xml"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Namespace is the DataCite kernel-4 schema namespace.
const Namespace = "http://datacite.org/schema/kernel-4"

// Resource is the root of a registrar metadata document.
type Resource struct {
	XMLName              xml.Name              `xml:"resource"`
	Xmlns                string                `xml:"xmlns,attr,omitempty"`
	Identifier           Identifier            `xml:"identifier"`
	Creators             []Creator             `xml:"creators>creator"`
	Titles               []Title               `xml:"titles>title"`
	Publisher            string                `xml:"publisher"`
	PublicationYear      string                `xml:"publicationYear"`
	ResourceType         ResourceType          `xml:"resourceType"`
	Subjects             []Subject             `xml:"subjects>subject,omitempty"`
	Dates                []Date                `xml:"dates>date,omitempty"`
	Language             string                `xml:"language,omitempty"`
	AlternateIdentifiers []AlternateIdentifier `xml:"alternateIdentifiers>alternateIdentifier,omitempty"`
	RelatedIdentifiers   []RelatedIdentifier   `xml:"relatedIdentifiers>relatedIdentifier,omitempty"`
	Sizes                []string              `xml:"sizes>size,omitempty"`
	Formats              []string              `xml:"formats>format,omitempty"`
	RightsList           []Rights              `xml:"rightsList>rights,omitempty"`
	Descriptions         []Description         `xml:"descriptions>description,omitempty"`
}

type Identifier struct {
	Type  string `xml:"identifierType,attr"`
	Value string `xml:",chardata"`
}

type Creator struct {
	Name        string `xml:"creatorName"`
	Affiliation string `xml:"affiliation,omitempty"`
}

type Title struct {
	Type  string `xml:"titleType,attr,omitempty"`
	Value string `xml:",chardata"`
}

type ResourceType struct {
	General string `xml:"resourceTypeGeneral,attr"`
	Value   string `xml:",chardata"`
}

type Subject struct {
	Scheme string `xml:"subjectScheme,attr,omitempty"`
	Value  string `xml:",chardata"`
}

type Date struct {
	Type  string `xml:"dateType,attr"`
	Value string `xml:",chardata"`
}

type AlternateIdentifier struct {
	Type  string `xml:"alternateIdentifierType,attr"`
	Value string `xml:",chardata"`
}

// RelatedIdentifier links to another identifier, e.g. the datasets a download
// was built from.
type RelatedIdentifier struct {
	Type         string `xml:"relatedIdentifierType,attr"`
	RelationType string `xml:"relationType,attr"`
	Value        string `xml:",chardata"`
}

type Rights struct {
	URI   string `xml:"rightsURI,attr,omitempty"`
	Value string `xml:",chardata"`
}

type Description struct {
	Type  string `xml:"descriptionType,attr"`
	Value string `xml:",chardata"`
}

// Missing returns the names of required fields that are empty.
func (r *Resource) Missing() []string {
	var missing []string
	if len(r.Creators) == 0 {
		missing = append(missing, "creators")
	}
	for i, c := range r.Creators {
		if strings.TrimSpace(c.Name) == "" {
			missing = append(missing, fmt.Sprintf("creators[%d].name", i))
		}
	}
	if len(r.Titles) == 0 || strings.TrimSpace(r.Titles[0].Value) == "" {
		missing = append(missing, "titles")
	}
	if strings.TrimSpace(r.Publisher) == "" {
		missing = append(missing, "publisher")
	}
	if strings.TrimSpace(r.PublicationYear) == "" {
		missing = append(missing, "publicationYear")
	}
	if strings.TrimSpace(r.ResourceType.General) == "" {
		missing = append(missing, "resourceType")
	}
	return missing
}

// SetIdentifier stamps the DOI into the document.
func (r *Resource) SetIdentifier(doi string) {
	r.Identifier = Identifier{Type: "DOI", Value: doi}
}

// Marshal serializes r with the XML header and kernel namespace.
func Marshal(r *Resource) (string, error) {
	cp := *r
	if cp.Xmlns == "" {
		cp.Xmlns = Namespace
	}
	out, err := xml.MarshalIndent(&cp, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return xml.Header + string(out), nil
}

// Unmarshal parses a metadata document.
func Unmarshal(doc string) (*Resource, error) {
	var r Resource
	if err := xml.Unmarshal([]byte(doc), &r); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return &r, nil
}

// TruncateDescriptions shortens every description longer than limit runes and
// appends a pointer to the full record. It reports whether anything changed.
func (r *Resource) TruncateDescriptions(limit int, fullRecord string) bool {
	changed := false
	for i, d := range r.Descriptions {
		if utf8.RuneCountInString(d.Value) <= limit {
			continue
		}
		r.Descriptions[i].Value = truncateRunes(d.Value, limit) + "... Full description: " + fullRecord
		changed = true
	}
	return changed
}

// RemoveRelatedIdentifiers drops all related identifier relations.
func (r *Resource) RemoveRelatedIdentifiers() bool {
	if len(r.RelatedIdentifiers) == 0 {
		return false
	}
	r.RelatedIdentifiers = nil
	return true
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	n := 0
	for i := range s {
		if n == limit {
			return strings.TrimSpace(s[:i])
		}
		n++
	}
	return s
}

// FailureDetail is written to the ledger in place of metadata when a DOI is
// marked failed, so operators can inspect what went wrong.
type FailureDetail struct {
	XMLName  xml.Name  `xml:"failure"`
	DOI      string    `xml:"doi"`
	Desired  string    `xml:"desiredStatus,omitempty"`
	Attempts int       `xml:"attempts,omitempty"`
	At       time.Time `xml:"at"`
	Message  string    `xml:"message"`
}

// MarshalFailure serializes a failure detail document.
func MarshalFailure(f FailureDetail) string {
	if f.At.IsZero() {
		f.At = time.Now().UTC()
	}
	out, err := xml.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Sprintf("<failure><doi>%s</doi><message>unserializable error</message></failure>", f.DOI)
	}
	return xml.Header + string(out)
}
