/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package inject

import (
	"bytes"
	"fmt"
	"io"
	"io/ioutil"
	"net/mail"
	"strings"

	"github.com/emersion/go-message"

	"github.com/corvidmail/corvid/internal/intern"
)

// ParseMessage turns the raw bytes of an RFC 5322 message (as submitted
// whole, by IMAP APPEND or SMTP/LMTP DATA) into the Part tree Inject
// expects. It handles the common case directly: a one-level walk over
// the top-level header plus, for multipart messages, each immediate
// child part. A child part that is itself multipart is stored as a
// container with no bytes of its own, matching the convention
// Part.hasStorableBytes already expects; deeper recursion into nested
// multiparts is not attempted, since pragmatically almost every message
// submitted this way is at most two levels deep (a mixed/alternative
// envelope around leaf parts).
func ParseMessage(raw []byte) ([]Part, error) {
	ent, err := message.Read(bytes.NewReader(raw))
	if message.IsUnknownCharset(err) {
		err = nil
	}
	if err != nil {
		return nil, fmt.Errorf("inject: parsing message: %w", err)
	}

	top := Part{Number: ""}
	top.HeaderFields, top.Addresses = fieldsOf(ent.Header)

	parts := []Part{top}

	ctype, params, _ := ent.Header.ContentType()
	if strings.HasPrefix(ctype, "multipart/") {
		top.ContentType = ctype
		parts[0] = top

		mr := ent.MultipartReader()
		if mr == nil {
			return nil, fmt.Errorf("inject: %q declared multipart but has no boundary", ctype)
		}
		_ = params
		n := 0
		for {
			child, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("inject: reading multipart body: %w", err)
			}
			n++
			p, err := leafPart(child, fmt.Sprintf("%d", n))
			if err != nil {
				return nil, err
			}
			parts = append(parts, p)
		}
		return parts, nil
	}

	leaf, err := leafPart(ent, "1")
	if err != nil {
		return nil, err
	}
	leaf.HeaderFields = nil
	leaf.Addresses = nil
	parts[0].ContentType = ctype
	parts = append(parts, leaf)
	return parts, nil
}

func leafPart(ent *message.Entity, number string) (Part, error) {
	ctype, _, _ := ent.Header.ContentType()
	if ctype == "" {
		ctype = "text/plain"
	}
	p := Part{Number: number, ContentType: strings.ToLower(ctype)}
	p.HeaderFields, p.Addresses = fieldsOf(ent.Header)

	body, err := ioutil.ReadAll(ent.Body)
	if err != nil {
		return Part{}, fmt.Errorf("inject: reading part %s: %w", number, err)
	}
	p.Lines = int64(bytes.Count(body, []byte("\n")))
	if !p.hasStorableBytes() {
		return p, nil
	}
	if strings.HasPrefix(p.ContentType, "text/") {
		p.Text = string(body)
	} else {
		p.Data = body
	}
	return p, nil
}

var addressFieldNames = map[string]bool{
	"From": true, "To": true, "Cc": true, "Bcc": true,
	"Reply-To": true, "Sender": true,
}

func fieldsOf(h message.Header) ([]Field, []AddressUse) {
	var fields []Field
	var addrs []AddressUse

	positions := map[string]int{}

	fieldsIter := h.Fields()
	for fieldsIter.Next() {
		name := fieldsIter.Key()
		value := fieldsIter.Value()
		fields = append(fields, Field{Name: name, Value: value})

		canon := strings.Title(strings.ToLower(name))
		if !addressFieldNames[canon] {
			continue
		}
		list, err := mail.ParseAddressList(value)
		if err != nil || len(list) == 0 {
			continue
		}
		for _, a := range list {
			localpart, domain := splitAddr(a.Address)
			addrs = append(addrs, AddressUse{
				FieldName: name,
				Number:    positions[name],
				Address:   intern.Address{Name: a.Name, Localpart: localpart, Domain: domain},
			})
			positions[name]++
		}
	}

	return fields, addrs
}

func splitAddr(addr string) (localpart, domain string) {
	at := strings.LastIndexByte(addr, '@')
	if at < 0 {
		return addr, ""
	}
	return addr[:at], addr[at+1:]
}
