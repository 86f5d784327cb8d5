package integration

import (
	"encoding/xml"
	"fmt"

	"github.com/kalambet/invoiceflow/internal/invoice"
)

// TallyEnvelope is the TallyPrime XML import document.
type TallyEnvelope struct {
	XMLName      xml.Name     `xml:"ENVELOPE"`
	TallyRequest string       `xml:"TALLYREQUEST"`
	Voucher      TallyVoucher `xml:"VOUCHER"`
}

type TallyVoucher struct {
	VoucherType     string             `xml:"VCHTYPE,attr"`
	Action          string             `xml:"ACTION,attr"`
	Date            string             `xml:"DATE"`
	Narration       string             `xml:"NARRATION"`
	PartyLedgerName string             `xml:"PARTYLEDGERNAME"`
	LedgerEntries   []TallyLedgerEntry `xml:"ALLLEDGERENTRIES.LIST"`
}

type TallyLedgerEntry struct {
	LedgerName       string `xml:"LEDGERNAME"`
	IsDeemedPositive string `xml:"ISDEEMEDPOSITIVE"`
	Amount           string `xml:"AMOUNT"`
}

func tallyPayload(s invoice.Schema) ([]byte, error) {
	env := TallyEnvelope{
		TallyRequest: "Import Data",
		Voucher: TallyVoucher{
			VoucherType:     "Sales",
			Action:          "Create",
			Date:            tallyDate(s.InvoiceDate),
			Narration:       "Invoice " + s.InvoiceNumber,
			PartyLedgerName: s.Vendor.Name,
			LedgerEntries:   make([]TallyLedgerEntry, 0, len(s.LineItems)),
		},
	}
	for _, item := range s.LineItems {
		env.Voucher.LedgerEntries = append(env.Voucher.LedgerEntries, TallyLedgerEntry{
			LedgerName:       item.Description,
			IsDeemedPositive: "No",
			Amount:           fmt.Sprintf("%.2f", item.Amount),
		})
	}
	body, err := xml.MarshalIndent(env, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), body...), nil
}

// tallyDate renders dates as YYYYMMDD, the form Tally imports. Unparseable
// dates are passed through.
func tallyDate(s string) string {
	if t, ok := invoice.ParseDate(s); ok {
		return t.Format("20060102")
	}
	return s
}
