package ews

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/beevik/etree"
	"github.com/klauspost/compress/gzip"
)

// fakeEntry is one directory entry served by fakeEWS.
type fakeEntry struct {
	name    string
	typ     string
	members []string
}

// fakeEWS is an httptest server speaking enough of the directory protocol
// for ResolveNames and ExpandDL.
type fakeEWS struct {
	t       *testing.T
	srv     *httptest.Server
	mu      sync.Mutex
	entries map[string]fakeEntry
	faults  map[string]string // address -> raw response to send instead
	gzip    bool

	requests []*capturedRequest
}

type capturedRequest struct {
	header http.Header
	doc    *etree.Document
	op     string
	target string
}

func newFakeEWS(t *testing.T) *fakeEWS {
	t.Helper()
	f := &fakeEWS{
		t:       t,
		entries: make(map[string]fakeEntry),
		faults:  make(map[string]string),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeEWS) add(address, typ string, members ...string) *fakeEWS {
	f.entries[address] = fakeEntry{name: strings.Split(address, "@")[0], typ: typ, members: members}
	return f
}

func (f *fakeEWS) session(t *testing.T, opts ...Option) *Session {
	t.Helper()
	base := []Option{WithEndpoint(f.srv.URL), WithCredentials("svc@example.com", "secret")}
	s, err := NewSession(append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

func (f *fakeEWS) captured() []*capturedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*capturedRequest(nil), f.requests...)
}

func (f *fakeEWS) serve(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(r.Body)
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	req := &capturedRequest{header: r.Header.Clone(), doc: doc}
	var body string
	switch {
	case doc.FindElement("//ResolveNames") != nil:
		req.op = "ResolveNames"
		req.target = strings.TrimPrefix(doc.FindElement("//ResolveNames/UnresolvedEntry").Text(), "smtp:")
	case doc.FindElement("//ExpandDL") != nil:
		req.op = "ExpandDL"
		req.target = doc.FindElement("//ExpandDL/Mailbox/EmailAddress").Text()
	}

	f.mu.Lock()
	f.requests = append(f.requests, req)
	fault, faulted := f.faults[req.target]
	entry, known := f.entries[req.target]
	f.mu.Unlock()

	switch {
	case faulted:
		body = fault
	case req.op == "ResolveNames" && known:
		body = resolveNamesResponse(req.target, entry)
	case req.op == "ResolveNames":
		body = noResultsResponse
	case req.op == "ExpandDL" && known:
		var mailboxes strings.Builder
		for _, m := range entry.members {
			member, ok := f.entries[m]
			if !ok {
				member = fakeEntry{name: m, typ: "OneOff"}
			}
			mailboxes.WriteString(mailboxXML(m, member))
		}
		body = fmt.Sprintf(expandDLResponse, len(entry.members), mailboxes.String())
	default:
		body = fmt.Sprintf(errorResponse, "ExpandDL", "ErrorNonExistentMailbox", "No mailbox with such guid.")
	}

	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	if f.gzip {
		w.Header().Set("Content-Encoding", "gzip")
		zw := gzip.NewWriter(w)
		io.WriteString(zw, body)
		zw.Close()
		return
	}
	io.WriteString(w, body)
}

func mailboxXML(address string, e fakeEntry) string {
	return fmt.Sprintf(`<t:Mailbox><t:Name>%s</t:Name><t:EmailAddress>%s</t:EmailAddress><t:RoutingType>SMTP</t:RoutingType><t:MailboxType>%s</t:MailboxType></t:Mailbox>`,
		e.name, address, e.typ)
}

func resolveNamesResponse(address string, e fakeEntry) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/">
  <s:Header>
    <h:ServerVersionInfo xmlns:h="http://schemas.microsoft.com/exchange/services/2006/types" MajorVersion="15" MinorVersion="20"/>
  </s:Header>
  <s:Body>
    <m:ResolveNamesResponse xmlns:m="http://schemas.microsoft.com/exchange/services/2006/messages" xmlns:t="http://schemas.microsoft.com/exchange/services/2006/types">
      <m:ResponseMessages>
        <m:ResolveNamesResponseMessage ResponseClass="Success">
          <m:ResponseCode>NoError</m:ResponseCode>
          <m:ResolutionSet TotalItemsInView="1" IncludesLastItemInRange="true">
            <t:Resolution>%s
              <t:Contact><t:DisplayName>%s</t:DisplayName></t:Contact>
            </t:Resolution>
          </m:ResolutionSet>
        </m:ResolveNamesResponseMessage>
      </m:ResponseMessages>
    </m:ResolveNamesResponse>
  </s:Body>
</s:Envelope>`, mailboxXML(address, e), e.name)
}

const expandDLResponse = `<?xml version="1.0" encoding="utf-8"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/">
  <s:Body>
    <m:ExpandDLResponse xmlns:m="http://schemas.microsoft.com/exchange/services/2006/messages" xmlns:t="http://schemas.microsoft.com/exchange/services/2006/types">
      <m:ResponseMessages>
        <m:ExpandDLResponseMessage ResponseClass="Success">
          <m:ResponseCode>NoError</m:ResponseCode>
          <m:DLExpansion TotalItemsInView="%d" IncludesLastItemInRange="true">%s</m:DLExpansion>
        </m:ExpandDLResponseMessage>
      </m:ResponseMessages>
    </m:ExpandDLResponse>
  </s:Body>
</s:Envelope>`

const errorResponse = `<?xml version="1.0" encoding="utf-8"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/">
  <s:Body>
    <m:%[1]sResponse xmlns:m="http://schemas.microsoft.com/exchange/services/2006/messages">
      <m:ResponseMessages>
        <m:%[1]sResponseMessage ResponseClass="Error">
          <m:MessageText>%[3]s</m:MessageText>
          <m:ResponseCode>%[2]s</m:ResponseCode>
          <m:DescriptiveLinkKey>0</m:DescriptiveLinkKey>
        </m:%[1]sResponseMessage>
      </m:ResponseMessages>
    </m:%[1]sResponse>
  </s:Body>
</s:Envelope>`

var noResultsResponse = fmt.Sprintf(errorResponse, "ResolveNames", "ErrorNameResolutionNoResults", "No results were found.")

const soapFaultResponse = `<?xml version="1.0" encoding="utf-8"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/">
  <s:Body>
    <s:Fault>
      <faultcode xmlns:a="http://schemas.microsoft.com/exchange/services/2006/types">a:ErrorInvalidServerVersion</faultcode>
      <faultstring xml:lang="en-US">The specified server version is invalid.</faultstring>
      <detail>
        <e:ResponseCode xmlns:e="http://schemas.microsoft.com/exchange/services/2006/errors">ErrorInvalidServerVersion</e:ResponseCode>
        <e:Message xmlns:e="http://schemas.microsoft.com/exchange/services/2006/errors">The specified server version is invalid.</e:Message>
      </detail>
    </s:Fault>
  </s:Body>
</s:Envelope>`

// gzipBytes compresses s for handlers that set Content-Encoding themselves.
func gzipBytes(s string) []byte {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	io.WriteString(zw, s)
	zw.Close()
	return buf.Bytes()
}

func fmtErrorResponse(op, code, text string) string {
	return fmt.Sprintf(errorResponse, op, code, text)
}
