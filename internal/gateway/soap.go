package gateway

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// faultArrayIndexInvalid terminates mapping-table enumeration.
const faultArrayIndexInvalid = 713

// SOAPFault is a structured uPnP error carried inside a 500 response.
type SOAPFault struct {
	Code        int
	Description string
}

func (f *SOAPFault) Error() string {
	return fmt.Sprintf("soap fault %d: %s", f.Code, f.Description)
}

// soapArg is one named action parameter. Order is preserved on the wire.
type soapArg struct {
	Name  string
	Value string
}

const envelopeFormat = `<?xml version="1.0"?>` +
	`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" ` +
	`s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">` +
	`<s:Body><u:%s xmlns:u="%s">%s</u:%s></s:Body></s:Envelope>`

// soapCall POSTs a WANIPConnection action to the control URL and returns
// the response's leaf elements as a name-to-text map. A 500 response with a
// recognizable errorCode becomes a *SOAPFault; any other non-200 status is
// fatal for the call.
func (g *Gateway) soapCall(action string, args []soapArg) (map[string]string, error) {
	controlURL, err := g.control()
	if err != nil {
		return nil, err
	}

	var params strings.Builder
	for _, a := range args {
		params.WriteString("<" + a.Name + ">")
		xml.EscapeText(&params, []byte(a.Value))
		params.WriteString("</" + a.Name + ">")
	}
	body := fmt.Sprintf(envelopeFormat, action, wanIPService, params.String(), action)

	req, err := http.NewRequest(http.MethodPost, controlURL, strings.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build soap request")
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPACTION", `"`+wanIPService+`#`+action+`"`)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "soap %s", action)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "read soap %s response", action)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return leafElements(raw)
	case resp.StatusCode == http.StatusInternalServerError:
		if fault := parseFault(raw); fault != nil {
			return nil, fault
		}
		return nil, fmt.Errorf("soap %s: unrecognized fault", action)
	default:
		return nil, fmt.Errorf("soap %s: status %d", action, resp.StatusCode)
	}
}

// leafElements flattens an XML document into a map of leaf element local
// names to their character data. Sufficient for the flat argument lists
// WANIPConnection responses carry.
func leafElements(raw []byte) (map[string]string, error) {
	out := make(map[string]string)
	dec := xml.NewDecoder(bytes.NewReader(raw))
	var current string
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "parse soap response")
		}
		switch t := tok.(type) {
		case xml.StartElement:
			current = t.Name.Local
		case xml.CharData:
			if current != "" {
				text := strings.TrimSpace(string(t))
				if text != "" {
					out[current] = text
				}
			}
		case xml.EndElement:
			current = ""
		}
	}
}

// parseFault extracts {errorCode, errorDescription} from a fault body.
// Returns nil when the body does not carry a uPnP error.
func parseFault(raw []byte) *SOAPFault {
	vals, err := leafElements(raw)
	if err != nil {
		return nil
	}
	codeText, ok := vals["errorCode"]
	if !ok {
		return nil
	}
	code, err := strconv.Atoi(codeText)
	if err != nil {
		return nil
	}
	return &SOAPFault{Code: code, Description: vals["errorDescription"]}
}
