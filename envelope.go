package ews

import (
	"bytes"
	"encoding/xml"
	"fmt"
)

// XML namespaces used on the wire.
const (
	NsSOAP     = "http://schemas.xmlsoap.org/soap/envelope/"
	NsTypes    = "http://schemas.microsoft.com/exchange/services/2006/types"
	NsMessages = "http://schemas.microsoft.com/exchange/services/2006/messages"
	NsErrors   = "http://schemas.microsoft.com/exchange/services/2006/errors"
)

// Operation is a request payload placed verbatim in the envelope body.
// Implementations carry their own XMLName so the encoder can name the element.
type Operation interface {
	// OperationName returns the element name used for logs, spans and metrics.
	OperationName() string
}

// Envelope is the structured request sent to the directory.
// Build one with NewEnvelope and serialize it with Encode.
type Envelope struct {
	XMLName    xml.Name       `xml:"soap:Envelope"`
	XmlnsSOAP  string         `xml:"xmlns:soap,attr"`
	XmlnsTypes string         `xml:"xmlns:t,attr"`
	XmlnsMsgs  string         `xml:"xmlns:m,attr"`
	Header     envelopeHeader `xml:"soap:Header"`
	Body       envelopeBody   `xml:"soap:Body"`
}

type envelopeHeader struct {
	Version       serverVersion          `xml:"t:RequestServerVersion"`
	Impersonation *exchangeImpersonation `xml:"t:ExchangeImpersonation,omitempty"`
	TimeZone      timeZoneContext        `xml:"t:TimeZoneContext"`
}

type serverVersion struct {
	Version string `xml:"Version,attr"`
}

type exchangeImpersonation struct {
	PrimarySMTPAddress string `xml:"t:ConnectingSID>t:PrimarySmtpAddress"`
}

type timeZoneContext struct {
	Definition timeZoneDefinition `xml:"t:TimeZoneDefinition"`
}

type timeZoneDefinition struct {
	ID string `xml:"Id,attr"`
}

type envelopeBody struct {
	Payload Operation
}

// NewEnvelope builds an envelope for op. impersonate may be empty.
func NewEnvelope(op Operation, version, timeZone, impersonate string) *Envelope {
	env := &Envelope{
		XmlnsSOAP:  NsSOAP,
		XmlnsTypes: NsTypes,
		XmlnsMsgs:  NsMessages,
		Header: envelopeHeader{
			Version:  serverVersion{Version: version},
			TimeZone: timeZoneContext{Definition: timeZoneDefinition{ID: timeZone}},
		},
		Body: envelopeBody{Payload: op},
	}
	if impersonate != "" {
		env.Header.Impersonation = &exchangeImpersonation{PrimarySMTPAddress: impersonate}
	}
	return env
}

// Encode serializes the envelope as an indented document with an XML declaration.
func (e *Envelope) Encode() ([]byte, error) {
	if e.Body.Payload == nil {
		return nil, fmt.Errorf("ews: envelope has no operation")
	}
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(e); err != nil {
		return nil, fmt.Errorf("ews: encode %s envelope: %w", e.Body.Payload.OperationName(), err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("ews: encode %s envelope: %w", e.Body.Payload.OperationName(), err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// ResolveNamesRequest asks the directory to resolve one entry.
type ResolveNamesRequest struct {
	XMLName               xml.Name `xml:"m:ResolveNames"`
	ReturnFullContactData bool     `xml:"ReturnFullContactData,attr"`
	UnresolvedEntry       string   `xml:"m:UnresolvedEntry"`
}

// NewResolveNamesRequest builds a name-resolution payload for an SMTP address.
// Only minimal contact data is requested.
func NewResolveNamesRequest(address string) *ResolveNamesRequest {
	return &ResolveNamesRequest{UnresolvedEntry: "smtp:" + address}
}

func (*ResolveNamesRequest) OperationName() string { return "ResolveNames" }

// ExpandDLRequest asks the directory for the members of a list or group.
type ExpandDLRequest struct {
	XMLName      xml.Name `xml:"m:ExpandDL"`
	EmailAddress string   `xml:"m:Mailbox>t:EmailAddress"`
}

// NewExpandDLRequest builds an expand-list payload for address.
func NewExpandDLRequest(address string) *ExpandDLRequest {
	return &ExpandDLRequest{EmailAddress: address}
}

func (*ExpandDLRequest) OperationName() string { return "ExpandDL" }
