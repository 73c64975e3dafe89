package ews

import (
	"strings"

	"github.com/beevik/etree"
)

// FaultClassifier inspects a parsed response and returns a typed error when
// the response signals a fault, or nil when it does not.
type FaultClassifier func(doc *etree.Document) error

// ClassifyFault is the default FaultClassifier.
//
// It reports the first SOAP Fault or the first response message with
// ResponseClass="Error" found anywhere in the document. Warning-class
// responses are not faults.
func ClassifyFault(doc *etree.Document) error {
	if doc == nil || doc.Root() == nil {
		return nil
	}
	var fault error
	walkElements(doc.Root(), func(el *etree.Element) bool {
		if isElement(el, NsSOAP, "Fault") {
			fault = soapFault(el)
			return false
		}
		if strings.EqualFold(el.SelectAttrValue("ResponseClass", ""), "Error") {
			fault = &ServiceError{
				Code:    childText(el, "ResponseCode"),
				Message: childText(el, "MessageText"),
				Class:   "Error",
			}
			return false
		}
		return true
	})
	return fault
}

func soapFault(el *etree.Element) *ServiceError {
	se := &ServiceError{
		Message: childText(el, "faultstring"),
		Class:   "Fault",
	}
	if detail := findElement(el, "", "detail"); detail != nil {
		se.Code = childText(detail, "ResponseCode")
		if msg := childText(detail, "Message"); msg != "" && se.Message == "" {
			se.Message = msg
		}
	}
	if se.Code == "" {
		se.Code = childText(el, "faultcode")
	}
	return se
}

// walkElements visits el and its descendants depth-first in document order
// until fn returns false.
func walkElements(el *etree.Element, fn func(*etree.Element) bool) bool {
	if !fn(el) {
		return false
	}
	for _, child := range el.ChildElements() {
		if !walkElements(child, fn) {
			return false
		}
	}
	return true
}

// isElement matches on local name and, when ns is set, on the namespace URI.
func isElement(el *etree.Element, ns, local string) bool {
	if el.Tag != local {
		return false
	}
	if ns == "" {
		return true
	}
	uri := el.NamespaceURI()
	return uri == "" || uri == ns
}

// findElement returns the first descendant of el (excluding el) that matches.
func findElement(el *etree.Element, ns, local string) *etree.Element {
	var found *etree.Element
	for _, child := range el.ChildElements() {
		walkElements(child, func(e *etree.Element) bool {
			if isElement(e, ns, local) {
				found = e
				return false
			}
			return true
		})
		if found != nil {
			return found
		}
	}
	return nil
}

// findElements returns every descendant of el that matches, in document order.
func findElements(el *etree.Element, ns, local string) []*etree.Element {
	var found []*etree.Element
	for _, child := range el.ChildElements() {
		walkElements(child, func(e *etree.Element) bool {
			if isElement(e, ns, local) {
				found = append(found, e)
			}
			return true
		})
	}
	return found
}

// childText returns the trimmed text of the first descendant named local.
func childText(el *etree.Element, local string) string {
	if c := findElement(el, "", local); c != nil {
		return strings.TrimSpace(c.Text())
	}
	return ""
}
