package domain

import (
	"math"
	"net/mail"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Commands are built only through the New* functions, which validate and
// normalise their input.

type SubmitBookingWizard struct {
	BookingID   string
	Pax         int
	Budget      float64
	ClientName  string
	ClientEmail string
}

type RegisterUser struct {
	UserID string
	Name   string
	Email  string
}

type GenerateQuotes struct {
	BookingID string
}

type ChangeQuoteStatus struct {
	ChangeID string
	QuoteID  string
	Status   string
}

const (
	QuoteStatusPending   = "pending"
	QuoteStatusQuoted    = "quoted"
	QuoteStatusDiscarded = "discarded"
	QuoteStatusExpired   = "expired"
)

// QuoteStatuses lists every status a quote can be moved to.
var QuoteStatuses = []string{QuoteStatusPending, QuoteStatusQuoted, QuoteStatusDiscarded, QuoteStatusExpired}

func NewSubmitBookingWizard(bookingID string, pax int, budget float64, clientName, clientEmail string) (SubmitBookingWizard, error) {
	id, err := parseID("bookingId", bookingID)
	if err != nil {
		return SubmitBookingWizard{}, err
	}
	if pax < 1 {
		return SubmitBookingWizard{}, invalid("pax", "must be at least 1")
	}
	if !(budget > 0) || math.IsInf(budget, 0) {
		return SubmitBookingWizard{}, invalid("budget", "must be positive")
	}
	name := strings.TrimSpace(clientName)
	if name == "" {
		return SubmitBookingWizard{}, invalid("clientName", "must not be empty")
	}
	email, err := NormalizeEmail("clientEmail", clientEmail)
	if err != nil {
		return SubmitBookingWizard{}, err
	}
	return SubmitBookingWizard{
		BookingID:   id,
		Pax:         pax,
		Budget:      budget,
		ClientName:  name,
		ClientEmail: email,
	}, nil
}

func NewRegisterUser(userID, name, email string) (RegisterUser, error) {
	id, err := parseID("userId", userID)
	if err != nil {
		return RegisterUser{}, err
	}
	name = strings.TrimSpace(name)
	if n := utf8.RuneCountInString(name); n < 2 || n > 255 {
		return RegisterUser{}, invalid("name", "must be between 2 and 255 characters")
	}
	normalized, err := NormalizeEmail("email", email)
	if err != nil {
		return RegisterUser{}, err
	}
	return RegisterUser{UserID: id, Name: name, Email: normalized}, nil
}

func NewGenerateQuotes(bookingID string) (GenerateQuotes, error) {
	id, err := parseID("bookingId", bookingID)
	if err != nil {
		return GenerateQuotes{}, err
	}
	return GenerateQuotes{BookingID: id}, nil
}

// NewChangeQuoteStatus identifies the change by changeID, which must differ
// from the quote id: the quote id already names the QuoteRequested event.
func NewChangeQuoteStatus(changeID, quoteID, status string) (ChangeQuoteStatus, error) {
	cid, err := parseID("changeId", changeID)
	if err != nil {
		return ChangeQuoteStatus{}, err
	}
	qid, err := parseID("quoteId", quoteID)
	if err != nil {
		return ChangeQuoteStatus{}, err
	}
	if cid == qid {
		return ChangeQuoteStatus{}, invalid("changeId", "must differ from quoteId")
	}
	status = strings.ToLower(strings.TrimSpace(status))
	if !slices.Contains(QuoteStatuses, status) {
		return ChangeQuoteStatus{}, invalid("status", "must be one of "+strings.Join(QuoteStatuses, ", "))
	}
	return ChangeQuoteStatus{ChangeID: cid, QuoteID: qid, Status: status}, nil
}

// NormalizeEmail trims and lowercases email and checks it is a bare address.
func NormalizeEmail(field, email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", invalid(field, "must not be empty")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", invalid(field, "not a valid e-mail address")
	}
	return email, nil
}

func parseID(field, raw string) (string, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", invalid(field, "must be a UUID")
	}
	return id.String(), nil
}

// QuoteID derives the quote identifier for a booking and menu pair so that
// generating quotes twice yields the same ids.
func QuoteID(bookingID, menuID string) string {
	ns, err := uuid.Parse(bookingID)
	if err != nil {
		ns = uuid.NameSpaceOID
		menuID = bookingID + "/" + menuID
	}
	return uuid.NewSHA1(ns, []byte(menuID)).String()
}
