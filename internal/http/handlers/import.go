package handlers

import (
	"encoding/csv"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"

	"github.com/wfm_ohs/backend/internal/models"
)

type ImportSummary struct {
	Partners struct {
		Parsed   int `json:"parsed"`
		Inserted int `json:"inserted"`
		Errors   int `json:"errors"`
	} `json:"partners"`
	Clients struct {
		Parsed   int `json:"parsed"`
		Inserted int `json:"inserted"`
		Errors   int `json:"errors"`
	} `json:"clients"`
	Installations struct {
		Parsed   int `json:"parsed"`
		Inserted int `json:"inserted"`
		Errors   int `json:"errors"`
	} `json:"installations"`
	Visits struct {
		Parsed   int `json:"parsed"`
		Inserted int `json:"inserted"`
		Errors   int `json:"errors"`
	} `json:"visits"`
	Errors []string `json:"errors"`
}

// @Summary Import CSV data
// @Description Upload partners, clients, installations and visits CSV files.
// @Description Replaces all existing data.
// @Tags import
// @Accept multipart/form-data
// @Produce json
// @Param partners formData file true "partners.csv"
// @Param clients formData file true "clients.csv"
// @Param installations formData file true "installations.csv"
// @Param visits formData file true "visits.csv"
// @Success 200 {object} ImportSummary
// @Failure 400 {object} map[string]any
// @Router /api/import [post]
func (h *Handler) Import(c *gin.Context) {
	partnersFile, err := c.FormFile("partners")
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "partners file required", nil)
		return
	}
	clientsFile, err := c.FormFile("clients")
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "clients file required", nil)
		return
	}
	installationsFile, err := c.FormFile("installations")
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "installations file required", nil)
		return
	}
	visitsFile, err := c.FormFile("visits")
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "visits file required", nil)
		return
	}

	if !validateExt(partnersFile.Filename) || !validateExt(clientsFile.Filename) ||
		!validateExt(installationsFile.Filename) || !validateExt(visitsFile.Filename) {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "all files must be .csv", nil)
		return
	}

	summary := ImportSummary{Errors: []string{}}

	partners, errs := parsePartnersCSV(partnersFile)
	summary.Partners.Parsed = len(partners)
	summary.Partners.Errors = len(errs)
	summary.Errors = append(summary.Errors, errs...)

	clients, errs := parseClientsCSV(clientsFile)
	summary.Clients.Parsed = len(clients)
	summary.Clients.Errors = len(errs)
	summary.Errors = append(summary.Errors, errs...)

	installations, errs := parseInstallationsCSV(installationsFile)
	summary.Installations.Parsed = len(installations)
	summary.Installations.Errors = len(errs)
	summary.Errors = append(summary.Errors, errs...)

	visits, errs := parseVisitsCSV(visitsFile)
	summary.Visits.Parsed = len(visits)
	summary.Visits.Errors = len(errs)
	summary.Errors = append(summary.Errors, errs...)

	if len(summary.Errors) > 0 {
		writeError(c, http.StatusBadRequest, "CSV_PARSE_ERROR", "CSV validation errors", summary.Errors)
		return
	}

	ctx := c.Request.Context()
	err = h.Store.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `TRUNCATE visits, partners, clients, installations, partner_client_relationships, partner_health, partner_complaints, partner_feedback RESTART IDENTITY CASCADE`)
		return err
	})
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to reset tables", err.Error())
		return
	}

	inserted, err := h.Store.InsertPartners(ctx, partners)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to insert partners", err.Error())
		return
	}
	summary.Partners.Inserted = int(inserted)

	inserted, err = h.Store.InsertClients(ctx, clients)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to insert clients", err.Error())
		return
	}
	summary.Clients.Inserted = int(inserted)

	inserted, err = h.Store.InsertInstallations(ctx, installations)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to insert installations", err.Error())
		return
	}
	summary.Installations.Inserted = int(inserted)

	inserted, err = h.Store.InsertVisits(ctx, visits)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to insert visits", err.Error())
		return
	}
	summary.Visits.Inserted = int(inserted)

	c.JSON(http.StatusOK, summary)
}

func parsePartnersCSV(file *multipart.FileHeader) ([]models.Partner, []string) {
	records, index, errs := readCSV(file)
	if len(errs) > 0 && records == nil {
		return nil, errs
	}

	var out []models.Partner
	for _, rec := range records {
		id := getFieldAny(rec, index, "id", "partner_id")
		name := getFieldAny(rec, index, "name", "partner_name")
		if id == "" || name == "" {
			errs = append(errs, "partner id/name required")
			continue
		}
		p := models.Partner{
			ID:               id,
			Name:             name,
			Specialty:        getFieldAny(rec, index, "specialty", "role"),
			City:             getFieldAny(rec, index, "city"),
			Phone:            getFieldAny(rec, index, "phone", "mobile"),
			Email:            getFieldAny(rec, index, "email"),
			IsServicePartner: parseBool(getFieldAny(rec, index, "is_service_partner", "service_partner"), true),
			Active:           parseBool(getFieldAny(rec, index, "active"), true),
		}
		if v := getFieldAny(rec, index, "last_login_at", "last_login"); v != "" {
			if t, err := parseDate(v); err == nil {
				p.LastLoginAt = &t
			}
		}
		out = append(out, p)
	}
	return out, errs
}

func parseClientsCSV(file *multipart.FileHeader) ([]models.Client, []string) {
	records, index, errs := readCSV(file)
	if len(errs) > 0 && records == nil {
		return nil, errs
	}

	var out []models.Client
	for _, rec := range records {
		id := getFieldAny(rec, index, "id", "client_id")
		name := getFieldAny(rec, index, "name", "client_name", "company")
		if id == "" || name == "" {
			errs = append(errs, "client id/name required")
			continue
		}
		out = append(out, models.Client{
			ID:   id,
			Name: name,
			City: getFieldAny(rec, index, "city"),
		})
	}
	return out, errs
}

func parseInstallationsCSV(file *multipart.FileHeader) ([]models.Installation, []string) {
	records, index, errs := readCSV(file)
	if len(errs) > 0 && records == nil {
		return nil, errs
	}

	var out []models.Installation
	for _, rec := range records {
		id := getFieldAny(rec, index, "id", "installation_id")
		clientID := getFieldAny(rec, index, "client_id", "client")
		if id == "" || clientID == "" {
			errs = append(errs, "installation id/client_id required")
			continue
		}
		out = append(out, models.Installation{
			ID:       id,
			ClientID: clientID,
			Name:     getFieldAny(rec, index, "name", "site", "installation_name"),
			City:     getFieldAny(rec, index, "city"),
			Address:  getFieldAny(rec, index, "address", "street"),
		})
	}
	return out, errs
}

func parseVisitsCSV(file *multipart.FileHeader) ([]models.Visit, []string) {
	records, index, errs := readCSV(file)
	if len(errs) > 0 && records == nil {
		return nil, errs
	}

	var out []models.Visit
	for _, rec := range records {
		id := getFieldAny(rec, index, "id", "visit_id")
		clientID := getFieldAny(rec, index, "client_id", "client")
		installationID := getFieldAny(rec, index, "installation_id", "installation")
		if id == "" {
			id = fmt.Sprintf("VIS-%05d", len(out)+1)
		}
		if clientID == "" || installationID == "" {
			errs = append(errs, fmt.Sprintf("visit %s: client_id/installation_id required", id))
			continue
		}

		v := models.Visit{
			ID:             id,
			ClientID:       clientID,
			InstallationID: installationID,
			State:          models.VisitDraft,
			CreatedAt:      time.Now().UTC(),
		}
		if p := getFieldAny(rec, index, "partner_id", "partner"); p != "" {
			v.PartnerID = &p
		}
		if d := getFieldAny(rec, index, "visit_date", "date"); d != "" {
			if t, err := parseDate(d); err == nil {
				v.VisitDate = &t
			} else {
				errs = append(errs, fmt.Sprintf("visit %s: bad visit_date %q", id, d))
				continue
			}
		}
		if st := strings.ToLower(getFieldAny(rec, index, "state", "status")); st != "" {
			switch models.VisitState(st) {
			case models.VisitDraft, models.VisitAssigned, models.VisitConfirmed,
				models.VisitInProgress, models.VisitDone, models.VisitCancelled:
				v.State = models.VisitState(st)
			default:
				errs = append(errs, fmt.Sprintf("visit %s: unknown state %q", id, st))
				continue
			}
		}
		v.StartTime, _ = strconv.ParseFloat(getFieldAny(rec, index, "start_time", "start"), 64)
		v.EndTime, _ = strconv.ParseFloat(getFieldAny(rec, index, "end_time", "end"), 64)
		if r := getFieldAny(rec, index, "rating"); r != "" {
			if f, err := strconv.ParseFloat(r, 64); err == nil && f >= 1 && f <= 5 {
				v.Rating = &f
			}
		}
		out = append(out, v)
	}
	return out, errs
}

func readCSV(file *multipart.FileHeader) ([][]string, map[string]int, []string) {
	f, err := file.Open()
	if err != nil {
		return nil, nil, []string{err.Error()}
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.TrimLeadingSpace = true
	headers, err := reader.Read()
	if err != nil {
		return nil, nil, []string{"failed to read header"}
	}
	index := headerIndex(headers)

	var errs []string
	var records [][]string
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		records = append(records, rec)
	}
	return records, index, errs
}

func headerIndex(headers []string) map[string]int {
	idx := map[string]int{}
	for i, h := range headers {
		idx[normalizeHeader(h)] = i
	}
	return idx
}

func getField(rec []string, idx map[string]int, name string) string {
	pos, ok := idx[name]
	if !ok || pos >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[pos])
}

func getFieldAny(rec []string, idx map[string]int, names ...string) string {
	for _, name := range names {
		if v := getField(rec, idx, normalizeHeader(name)); v != "" {
			return v
		}
	}
	return ""
}

func normalizeHeader(h string) string {
	h = strings.ReplaceAll(h, "\ufeff", "")
	return strings.ToLower(strings.TrimSpace(h))
}

func parseBool(v string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "":
		return def
	case "1", "true", "yes", "y":
		return true
	default:
		return false
	}
}

func parseDate(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", v)
}

func validateExt(name string) bool {
	return strings.ToLower(filepath.Ext(name)) == ".csv"
}
