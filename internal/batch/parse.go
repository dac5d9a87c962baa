package batch

import (
	"bytes"
	"encoding/xml"
	"io"
	"strconv"

	"github.com/eurolinux-enterprise-linux-sources/libtnc/internal/base64codec"
	"github.com/eurolinux-enterprise-linux-sources/libtnc/internal/messagetype"
	"github.com/eurolinux-enterprise-linux-sources/libtnc/pkg/tncerr"
)

// Parse decodes an incoming IF-TNCCS batch, validating the namespace, root
// element, Recipient (which must equal localSide), and the presence of
// BatchId, per §4.4/§6/§8 property 3 ("S4 — Bad batch rejection"). Any
// violation aborts the whole batch with a Fatal error; no partial
// Document is returned.
func Parse(data []byte, localSide Recipient) (*Document, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))

	root, err := nextStartElement(dec)
	if err != nil {
		return nil, tncerr.Wrap(tncerr.Fatal, "parse batch root", err)
	}
	if root.Name.Local != "TNCCS-Batch" {
		return nil, tncerr.New(tncerr.Fatal, "missing or unexpected root element TNCCS-Batch")
	}
	if ns := attrValue(root, "xmlns"); ns != "" && ns != Namespace {
		return nil, tncerr.New(tncerr.Fatal, "unexpected TNCCS namespace")
	}

	batchIDRaw := attrValue(root, "BatchId")
	if batchIDRaw == "" {
		return nil, tncerr.New(tncerr.Fatal, "missing BatchId attribute")
	}
	batchID, err := strconv.Atoi(batchIDRaw)
	if err != nil {
		return nil, tncerr.Wrap(tncerr.Fatal, "malformed BatchId attribute", err)
	}

	recipientRaw := attrValue(root, "Recipient")
	if recipientRaw != string(RecipientTNCC) && recipientRaw != string(RecipientTNCS) {
		return nil, tncerr.New(tncerr.Fatal, "missing or unrecognized Recipient attribute")
	}
	if Recipient(recipientRaw) != localSide {
		return nil, tncerr.New(tncerr.Fatal, "batch Recipient does not match local side")
	}

	doc := &Document{BatchID: batchID, Recipient: Recipient(recipientRaw)}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, tncerr.Wrap(tncerr.Fatal, "parse batch body", err)
		}
		switch el := tok.(type) {
		case xml.StartElement:
			msg, err := parseChild(dec, el)
			if err != nil {
				return nil, err
			}
			if msg != nil {
				doc.Messages = append(doc.Messages, msg)
			}
		case xml.EndElement:
			if el.Name.Local == "TNCCS-Batch" {
				return doc, nil
			}
		}
	}
	return doc, nil
}

func parseChild(dec *xml.Decoder, el xml.StartElement) (Message, error) {
	switch el.Name.Local {
	case "IMC-IMV-Message":
		return parseIMCIMV(dec)
	case "TNCC-TNCS-Message":
		return parseControl(dec)
	default:
		if err := dec.Skip(); err != nil {
			return nil, tncerr.Wrap(tncerr.Fatal, "skip unknown element", err)
		}
		return nil, nil
	}
}

// rawEnvelope holds the parsed pieces shared by IMC-IMV-Message and
// TNCC-TNCS-Message, before message-kind-specific interpretation.
type rawEnvelope struct {
	Type   string
	Base64 string
	XML    struct {
		Inner []byte
	}
	hasXML bool
}

func decodeEnvelope(dec *xml.Decoder, outer xml.StartElement) (*rawEnvelope, error) {
	env := &rawEnvelope{}
	sawXML := false
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, tncerr.Wrap(tncerr.Fatal, "parse message envelope", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "Type":
				txt, err := readText(dec, t)
				if err != nil {
					return nil, err
				}
				env.Type = txt
			case "Base64":
				txt, err := readText(dec, t)
				if err != nil {
					return nil, err
				}
				env.Base64 = txt
			case "XML":
				var raw struct {
					Inner []byte `xml:",innerxml"`
				}
				if err := dec.DecodeElement(&raw, &t); err != nil {
					return nil, tncerr.Wrap(tncerr.Fatal, "parse XML child", err)
				}
				env.XML.Inner = raw.Inner
				sawXML = true
			default:
				if err := dec.Skip(); err != nil {
					return nil, tncerr.Wrap(tncerr.Fatal, "skip envelope child", err)
				}
			}
		case xml.EndElement:
			if t.Name.Local == outer.Name.Local {
				env.hasXML = sawXML
				return env, nil
			}
		}
	}
}

func readText(dec *xml.Decoder, start xml.StartElement) (string, error) {
	var buf bytes.Buffer
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", tncerr.Wrap(tncerr.Fatal, "parse text element", err)
		}
		switch t := tok.(type) {
		case xml.CharData:
			buf.Write(t)
		case xml.EndElement:
			if t.Name.Local == start.Name.Local {
				return buf.String(), nil
			}
		}
	}
}

func parseIMCIMV(dec *xml.Decoder) (Message, error) {
	env, err := decodeEnvelope(dec, xml.StartElement{Name: xml.Name{Local: "IMC-IMV-Message"}})
	if err != nil {
		return nil, err
	}
	typeRaw, err := parseHex8(env.Type)
	if err != nil {
		return nil, err
	}
	payload, err := base64codec.Decode(env.Base64)
	if err != nil {
		return nil, tncerr.Wrap(tncerr.Fatal, "decode IMC-IMV-Message payload", err)
	}
	return IMCIMVMessage{Type: messagetype.Unpack(typeRaw), Payload: payload}, nil
}

func parseControl(dec *xml.Decoder) (Message, error) {
	env, err := decodeEnvelope(dec, xml.StartElement{Name: xml.Name{Local: "TNCC-TNCS-Message"}})
	if err != nil {
		return nil, err
	}
	typeRaw, err := parseHex8(env.Type)
	if err != nil {
		return nil, err
	}
	t := messagetype.Unpack(typeRaw)

	if t.Vendor != messagetype.TCGVendorID {
		if env.hasXML {
			return VendorMessage{Type: t, XMLBody: env.XML.Inner, IsXML: true}, nil
		}
		payload, err := base64codec.Decode(env.Base64)
		if err != nil {
			return nil, tncerr.Wrap(tncerr.Fatal, "decode vendor message payload", err)
		}
		return VendorMessage{Type: t, BinaryBody: payload, IsXML: false}, nil
	}

	switch ControlSubtype(t.Subtype) {
	case SubtypeRecommendation:
		return parseRecommendation(env.XML.Inner)
	case SubtypeError:
		return parseError(env.XML.Inner)
	case SubtypePreferredLang:
		return parsePreferredLanguage(env.XML.Inner)
	case SubtypeReasonStrings:
		return parseReasonStrings(env.XML.Inner)
	case SubtypeContactInfo:
		return parseContactInfo(env.XML.Inner)
	default:
		return nil, tncerr.New(tncerr.InvalidParameter, "unknown TNCC-TNCS-Message control subtype")
	}
}

func parseHex8(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, tncerr.Wrap(tncerr.Fatal, "malformed message Type", err)
	}
	return uint32(v), nil
}

func attrValue(el xml.StartElement, local string) string {
	for _, a := range el.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

func nextStartElement(dec *xml.Decoder) (xml.StartElement, error) {
	for {
		tok, err := dec.Token()
		if err != nil {
			return xml.StartElement{}, err
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se, nil
		}
	}
}

func parseRecommendation(inner []byte) (Message, error) {
	var wrapper struct {
		Rec struct {
			Type string `xml:"type,attr"`
		} `xml:"TNCCS-Recommendation"`
	}
	if err := xml.Unmarshal(wrapInner(inner), &wrapper); err != nil {
		return nil, tncerr.Wrap(tncerr.Fatal, "parse TNCCS-Recommendation", err)
	}
	return RecommendationMessage{Type: RecommendationType(wrapper.Rec.Type)}, nil
}

func parseError(inner []byte) (Message, error) {
	var wrapper struct {
		Err struct {
			Type string `xml:"type,attr"`
			Text string `xml:",chardata"`
		} `xml:"TNCCS-Error"`
	}
	if err := xml.Unmarshal(wrapInner(inner), &wrapper); err != nil {
		return nil, tncerr.Wrap(tncerr.Fatal, "parse TNCCS-Error", err)
	}
	return ErrorMessage{Type: wrapper.Err.Type, Text: wrapper.Err.Text}, nil
}

func parsePreferredLanguage(inner []byte) (Message, error) {
	var wrapper struct {
		Lang struct {
			Text string `xml:",chardata"`
		} `xml:"TNCC-TNCS-PreferredLanguage"`
	}
	if err := xml.Unmarshal(wrapInner(inner), &wrapper); err != nil {
		return nil, tncerr.Wrap(tncerr.Fatal, "parse TNCC-TNCS-PreferredLanguage", err)
	}
	return PreferredLanguageMessage{Language: wrapper.Lang.Text}, nil
}

func parseReasonStrings(inner []byte) (Message, error) {
	var wrapper struct {
		Strings struct {
			Reasons []struct {
				Lang string `xml:"lang,attr"`
				Text string `xml:",chardata"`
			} `xml:"ReasonString"`
		} `xml:"TNCCS-ReasonStrings"`
	}
	if err := xml.Unmarshal(wrapInner(inner), &wrapper); err != nil {
		return nil, tncerr.Wrap(tncerr.Fatal, "parse TNCCS-ReasonStrings", err)
	}
	msg := ReasonStringsMessage{}
	for _, r := range wrapper.Strings.Reasons {
		msg.Reasons = append(msg.Reasons, ReasonString{Lang: r.Lang, Text: r.Text})
	}
	return msg, nil
}

func parseContactInfo(inner []byte) (Message, error) {
	var wrapper struct {
		Info struct {
			Address string `xml:"address,attr"`
			Port    string `xml:"port,attr"`
		} `xml:"TNCCS-TNCSContactInfo"`
	}
	if err := xml.Unmarshal(wrapInner(inner), &wrapper); err != nil {
		return nil, tncerr.Wrap(tncerr.Fatal, "parse TNCCS-TNCSContactInfo", err)
	}
	return ContactInfoMessage{Address: wrapper.Info.Address, Port: wrapper.Info.Port}, nil
}

// wrapInner lets us xml.Unmarshal a single fragment captured via innerxml
// (which has no synthetic enclosing root) into an anonymous struct by
// giving it one.
func wrapInner(inner []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("<root>")
	buf.Write(inner)
	buf.WriteString("</root>")
	return buf.Bytes()
}
