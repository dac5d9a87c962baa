// Package batch implements C6's IF-TNCCS batch document model: building an
// outgoing XML batch during a handshake step and parsing an incoming one,
// per §3 (data model) and §4.4 (bit-exact wire details). Grounded on
// libtncxml.c's libtncxml_new/libtncxml_add_* family.
package batch

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/eurolinux-enterprise-linux-sources/libtnc/internal/base64codec"
	"github.com/eurolinux-enterprise-linux-sources/libtnc/internal/messagetype"
	"github.com/eurolinux-enterprise-linux-sources/libtnc/pkg/tncerr"
)

// Namespace is the IF-TNCCS XML namespace every batch document lives in.
const Namespace = "http://www.trustedcomputinggroup.org/IWG/TNC/1_0/IF_TNCCS#"

const schemaLocation = "http://www.trustedcomputinggroup.org/IWG/TNC/1_0/IF_TNCCS# " +
	"https://www.trustedcomputinggroup.org/XML/SCHEMAS/TNCCS_1.0.xsd"

// Recipient identifies which side a batch is addressed to.
type Recipient string

const (
	RecipientTNCC Recipient = "TNCC"
	RecipientTNCS Recipient = "TNCS"
)

// ControlSubtype enumerates the TNCC-TNCS-Message control subtypes of §3.
type ControlSubtype int

const (
	SubtypeRecommendation ControlSubtype = 1
	SubtypeError          ControlSubtype = 2
	SubtypePreferredLang  ControlSubtype = 3
	SubtypeReasonStrings  ControlSubtype = 4
	SubtypeContactInfo    ControlSubtype = 5
)

// RecommendationType is the wire-level attribute on a Recommendation
// control message.
type RecommendationType string

const (
	RecAllow   RecommendationType = "allow"
	RecNone    RecommendationType = "none"
	RecIsolate RecommendationType = "isolate"
)

// Message is one child of a batch document, in document order.
type Message interface {
	messageTag()
}

// IMCIMVMessage carries a vendor-routed IMC<->IMV payload.
type IMCIMVMessage struct {
	Type    messagetype.Type
	Payload []byte
}

func (IMCIMVMessage) messageTag() {}

// RecommendationMessage is TNCC-TNCS-Message subtype 1.
type RecommendationMessage struct {
	Type RecommendationType
}

func (RecommendationMessage) messageTag() {}

// ErrorMessage is TNCC-TNCS-Message subtype 2.
type ErrorMessage struct {
	Type string
	Text string
}

func (ErrorMessage) messageTag() {}

// PreferredLanguageMessage is TNCC-TNCS-Message subtype 3.
type PreferredLanguageMessage struct {
	Language string
}

func (PreferredLanguageMessage) messageTag() {}

// ReasonString is one xml:lang-tagged reason inside a ReasonStringsMessage.
type ReasonString struct {
	Lang string
	Text string
}

// ReasonStringsMessage is TNCC-TNCS-Message subtype 4.
type ReasonStringsMessage struct {
	Reasons []ReasonString
}

func (ReasonStringsMessage) messageTag() {}

// ContactInfoMessage is TNCC-TNCS-Message subtype 5.
type ContactInfoMessage struct {
	Address string
	Port    string
}

func (ContactInfoMessage) messageTag() {}

// VendorMessage is a vendor-specific (vendor != 0) TNCC-TNCS-Message,
// carried either as raw XML or as a base64-encoded binary payload. XMLBody
// is assumed to already be well-formed XML and is embedded verbatim,
// unescaped, the way the original library hands a caller-built xmlNodePtr
// subtree to the document.
type VendorMessage struct {
	Type       messagetype.Type
	XMLBody    []byte // set when IsXML
	BinaryBody []byte // set when !IsXML
	IsXML      bool
}

func (VendorMessage) messageTag() {}

// Document is the in-memory representation of one TNCCS-Batch, §3.
type Document struct {
	BatchID   int
	Recipient Recipient
	Messages  []Message
}

// New constructs an empty outgoing batch document.
func New(batchID int, recipient Recipient) *Document {
	return &Document{BatchID: batchID, Recipient: recipient}
}

// AddIMCIMV appends an IMC-IMV-Message.
func (d *Document) AddIMCIMV(t messagetype.Type, payload []byte) {
	d.Messages = append(d.Messages, IMCIMVMessage{Type: t, Payload: payload})
}

// Add appends any control or vendor message in document order.
func (d *Document) Add(msg Message) {
	d.Messages = append(d.Messages, msg)
}

func hex8(raw uint32) string {
	return fmt.Sprintf("%08x", raw)
}

func escapeText(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

// base64Body returns the wire-ready base64 text for an XML text node: the
// line-wrapped encoding without the trailing NUL base64codec.Encode adds
// for C-string-style buffer handling (§3's "NUL-terminated" invariant
// describes the codec's buffer convention, not literal XML content).
func base64Body(data []byte) string {
	return strings.TrimSuffix(base64codec.Encode(data), "\x00")
}

// Encode serializes the document to the IF-TNCCS wire format described in
// §4.4: BatchId as decimal, Type as lower-case 8-digit hex, base64 payload
// wrapped at 76 columns, root-level xmlns declarations.
func (d *Document) Encode() ([]byte, error) {
	var b bytes.Buffer
	fmt.Fprintf(&b,
		`<TNCCS-Batch xmlns=%q xmlns:xsi=%q xsi:schemaLocation=%q BatchId="%s" Recipient=%q>`+"\n",
		Namespace, "http://www.w3.org/2001/XMLSchema-instance", schemaLocation,
		strconv.Itoa(d.BatchID), string(d.Recipient))

	for _, msg := range d.Messages {
		if err := encodeMessage(&b, msg); err != nil {
			return nil, err
		}
	}

	b.WriteString("</TNCCS-Batch>\n")
	return b.Bytes(), nil
}

func encodeMessage(b *bytes.Buffer, msg Message) error {
	switch m := msg.(type) {
	case IMCIMVMessage:
		fmt.Fprintf(b, "<IMC-IMV-Message><Type>%s</Type><Base64>%s</Base64></IMC-IMV-Message>\n",
			hex8(m.Type.Pack()), base64Body(m.Payload))
		return nil
	case RecommendationMessage:
		return encodeControl(b, SubtypeRecommendation, fmt.Sprintf(
			`<TNCCS-Recommendation type=%q/>`, string(m.Type)))
	case ErrorMessage:
		return encodeControl(b, SubtypeError, fmt.Sprintf(
			`<TNCCS-Error type=%q>%s</TNCCS-Error>`, m.Type, escapeText(m.Text)))
	case PreferredLanguageMessage:
		return encodeControl(b, SubtypePreferredLang, fmt.Sprintf(
			`<TNCC-TNCS-PreferredLanguage>%s</TNCC-TNCS-PreferredLanguage>`, escapeText(m.Language)))
	case ReasonStringsMessage:
		var inner bytes.Buffer
		for _, r := range m.Reasons {
			fmt.Fprintf(&inner, `<ReasonString xml:lang=%q>%s</ReasonString>`, r.Lang, escapeText(r.Text))
		}
		return encodeControl(b, SubtypeReasonStrings, fmt.Sprintf(
			`<TNCCS-ReasonStrings>%s</TNCCS-ReasonStrings>`, inner.String()))
	case ContactInfoMessage:
		return encodeControl(b, SubtypeContactInfo, fmt.Sprintf(
			`<TNCCS-TNCSContactInfo address=%q port=%q/>`, m.Address, m.Port))
	case VendorMessage:
		return encodeVendor(b, m)
	default:
		return tncerr.New(tncerr.Fatal, "unknown message type in outgoing batch")
	}
}

func encodeControl(b *bytes.Buffer, subtype ControlSubtype, xmlBody string) error {
	fmt.Fprintf(b, "<TNCC-TNCS-Message><Type>%s</Type><XML>%s</XML></TNCC-TNCS-Message>\n",
		hex8(uint32(subtype)), xmlBody)
	return nil
}

func encodeVendor(b *bytes.Buffer, m VendorMessage) error {
	b.WriteString("<TNCC-TNCS-Message>")
	fmt.Fprintf(b, "<Type>%s</Type>", hex8(m.Type.Pack()))
	if m.IsXML {
		b.WriteString("<XML>")
		b.Write(m.XMLBody)
		b.WriteString("</XML>")
	} else {
		fmt.Fprintf(b, "<Base64>%s</Base64>", base64Body(m.BinaryBody))
	}
	b.WriteString("</TNCC-TNCS-Message>\n")
	return nil
}
