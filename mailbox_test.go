package ews

import (
	"encoding/json"
	"testing"

	"github.com/beevik/etree"
)

func TestParseMailboxType(t *testing.T) {
	tests := []struct {
		in   string
		want MailboxType
	}{
		{"Mailbox", PlainMailbox},
		{"PublicDL", PublicDistributionList},
		{"GroupMailbox", GroupMailbox},
		{" Mailbox ", PlainMailbox},
		{"PrivateDL", Unrecognized},
		{"Contact", Unrecognized},
		{"OneOff", Unrecognized},
		{"PublicFolder", Unrecognized},
		{"", Unrecognized},
		{"mailbox", Unrecognized},
	}
	for _, tt := range tests {
		if got := ParseMailboxType(tt.in); got != tt.want {
			t.Errorf("ParseMailboxType(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestMailboxTypeText(t *testing.T) {
	for _, typ := range []MailboxType{Unrecognized, PlainMailbox, PublicDistributionList, GroupMailbox} {
		b, err := typ.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText: %v", err)
		}
		var back MailboxType
		if err := back.UnmarshalText(b); err != nil || back != typ {
			t.Errorf("%v did not survive text encoding, got %v", typ, back)
		}
	}
	if got := MailboxType(7).String(); got != "MailboxType(7)" {
		t.Errorf("String() = %q", got)
	}
}

func mailboxElement(t *testing.T, xml string) *etree.Element {
	t.Helper()
	doc := etree.NewDocument()
	if err := doc.ReadFromString(xml); err != nil {
		t.Fatalf("parse: %v", err)
	}
	return doc.Root()
}

func TestNewMailbox(t *testing.T) {
	t.Run("reads all fields", func(t *testing.T) {
		el := mailboxElement(t, `<t:Mailbox xmlns:t="`+NsTypes+`">
  <t:Name>Alice Example</t:Name>
  <t:EmailAddress>alice@example.com</t:EmailAddress>
  <t:RoutingType>SMTP</t:RoutingType>
  <t:MailboxType>Mailbox</t:MailboxType>
  <t:ItemId Id="AAMk" ChangeKey="EQAA"/>
</t:Mailbox>`)
		m := NewMailbox(el, nil)
		if m.Name != "Alice Example" || m.Address != "alice@example.com" || m.RoutingType != "SMTP" {
			t.Errorf("unexpected mailbox %+v", m)
		}
		if m.Type != PlainMailbox || m.RawType != "Mailbox" {
			t.Errorf("type = %v raw = %q", m.Type, m.RawType)
		}
		if m.ItemID != "AAMk" || m.ChangeKey != "EQAA" {
			t.Errorf("item id = %q change key = %q", m.ItemID, m.ChangeKey)
		}
		if m.Group != nil {
			t.Error("expected no group")
		}
	})

	t.Run("keeps raw type of unrecognized entries", func(t *testing.T) {
		el := mailboxElement(t, `<Mailbox><EmailAddress>x@example.com</EmailAddress><MailboxType>PrivateDL</MailboxType></Mailbox>`)
		m := NewMailbox(el, nil)
		if m.Type != Unrecognized || m.RawType != "PrivateDL" {
			t.Errorf("type = %v raw = %q", m.Type, m.RawType)
		}
	})

	t.Run("sets group", func(t *testing.T) {
		group := &Mailbox{Address: "crew@example.com", Type: GroupMailbox}
		el := mailboxElement(t, `<Mailbox><EmailAddress>p@example.com</EmailAddress><MailboxType>Mailbox</MailboxType></Mailbox>`)
		if m := NewMailbox(el, group); m.Group != group {
			t.Error("expected group back-reference")
		}
	})
}

func TestMailboxString(t *testing.T) {
	tests := []struct {
		m    Mailbox
		want string
	}{
		{Mailbox{Name: "Alice", Address: "alice@example.com"}, "Alice <alice@example.com>"},
		{Mailbox{Address: "alice@example.com"}, "alice@example.com"},
		{Mailbox{Name: "alice@example.com", Address: "alice@example.com"}, "alice@example.com"},
	}
	for _, tt := range tests {
		if got := tt.m.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestMailboxJSON(t *testing.T) {
	m := &Mailbox{
		Name:    "P",
		Address: "p@example.com",
		Type:    PlainMailbox,
		Group:   &Mailbox{Address: "crew@example.com", Type: GroupMailbox},
	}
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["type"] != "Mailbox" {
		t.Errorf("type = %v", out["type"])
	}
	if _, ok := out["Group"]; ok {
		t.Error("group must not be serialized")
	}
}
