package ews

import (
	"strconv"
	"strings"

	"github.com/beevik/etree"
)

// MailboxType classifies a directory entry.
type MailboxType int

const (
	// Unrecognized covers every directory type without its own expansion policy
	// (private lists, contacts, one-off addresses, public folders, ...).
	Unrecognized MailboxType = iota
	// PlainMailbox is an individual mailbox.
	PlainMailbox
	// PublicDistributionList is expanded transitively.
	PublicDistributionList
	// GroupMailbox is expanded one level; only its plain members are kept.
	GroupMailbox
)

// ParseMailboxType maps a wire value to a MailboxType.
func ParseMailboxType(s string) MailboxType {
	switch strings.TrimSpace(s) {
	case "Mailbox":
		return PlainMailbox
	case "PublicDL":
		return PublicDistributionList
	case "GroupMailbox":
		return GroupMailbox
	default:
		return Unrecognized
	}
}

func (t MailboxType) String() string {
	switch t {
	case Unrecognized:
		return "Unrecognized"
	case PlainMailbox:
		return "Mailbox"
	case PublicDistributionList:
		return "PublicDL"
	case GroupMailbox:
		return "GroupMailbox"
	default:
		return "MailboxType(" + strconv.Itoa(int(t)) + ")"
	}
}

// MarshalText encodes the type by name so snapshots stay readable.
func (t MailboxType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText.
func (t *MailboxType) UnmarshalText(b []byte) error {
	if string(b) == "Unrecognized" {
		*t = Unrecognized
		return nil
	}
	*t = ParseMailboxType(string(b))
	return nil
}

// Mailbox is a snapshot of one directory entry at lookup time.
// It is never mutated after construction.
type Mailbox struct {
	Name        string      `json:"name,omitempty"`
	Address     string      `json:"address"`
	RoutingType string      `json:"routing_type,omitempty"`
	Type        MailboxType `json:"type"`
	// RawType is the type string exactly as the directory sent it.
	RawType   string `json:"raw_type,omitempty"`
	ItemID    string `json:"item_id,omitempty"`
	ChangeKey string `json:"change_key,omitempty"`

	// Group is the group mailbox this entry was expanded from, if any.
	// It records provenance only and is never traversed.
	Group *Mailbox `json:"-"`
}

// NewMailbox builds a Mailbox from a t:Mailbox element.
// group is the group mailbox the element was expanded from, or nil.
func NewMailbox(el *etree.Element, group *Mailbox) *Mailbox {
	m := &Mailbox{
		Name:        directText(el, "Name"),
		Address:     directText(el, "EmailAddress"),
		RoutingType: directText(el, "RoutingType"),
		RawType:     directText(el, "MailboxType"),
		Group:       group,
	}
	m.Type = ParseMailboxType(m.RawType)
	for _, c := range el.ChildElements() {
		if c.Tag == "ItemId" {
			m.ItemID = c.SelectAttrValue("Id", "")
			m.ChangeKey = c.SelectAttrValue("ChangeKey", "")
			break
		}
	}
	return m
}

// String returns "Name <address>" or just the address.
func (m *Mailbox) String() string {
	if m.Name == "" || m.Name == m.Address {
		return m.Address
	}
	return m.Name + " <" + m.Address + ">"
}

// directText reads the text of a direct child, ignoring nested elements
// with the same name.
func directText(el *etree.Element, local string) string {
	for _, c := range el.ChildElements() {
		if c.Tag == local {
			return strings.TrimSpace(c.Text())
		}
	}
	return ""
}
