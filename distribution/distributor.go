// Package distribution renders daily reports and mails them to the report
// recipients.
package distribution

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"branchanalytics/errs"
	"branchanalytics/events"
	"branchanalytics/models"
	"branchanalytics/store"
)

// Distributor sends stored reports and marks them sent.
type Distributor struct {
	reports    store.ReportStore
	sender     Sender
	events     events.Publisher
	recipients []string
	logger     *zap.Logger
	now        func() time.Time
}

func New(rs store.ReportStore, sender Sender, pub events.Publisher, recipients []string, logger *zap.Logger) *Distributor {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Distributor{
		reports:    rs,
		sender:     sender,
		events:     pub,
		recipients: recipients,
		logger:     logger.Named("distribution"),
		now:        time.Now,
	}
}

// DistributeByID loads report id and sends it.
func (d *Distributor) DistributeByID(ctx context.Context, id int64) (*models.Report, error) {
	r, err := d.reports.GetReportByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := d.Send(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Send mails r to every recipient, marks it sent and publishes report.sent.
// r is updated in place.
func (d *Distributor) Send(ctx context.Context, r *models.Report) error {
	if d.sender == nil {
		return errs.Upstream("smtp", errors.New("smtp is not configured"))
	}
	if len(d.recipients) == 0 {
		return errs.Input("no report recipients configured")
	}
	out, err := Render(r)
	if err != nil {
		return errs.Internal("render report", err)
	}
	if err := d.sender.Send(ctx, Message{
		To:      d.recipients,
		Subject: out.Subject,
		Text:    out.Text,
		HTML:    out.HTML,
	}); err != nil {
		return errs.Upstream("smtp", err)
	}

	at := d.now().UTC()
	if err := d.reports.MarkReportSent(ctx, r.ID, at); err != nil {
		return err
	}
	r.IsSent = true
	r.SentAt = &at

	if err := d.events.Publish(ctx, events.Event{
		Type:     events.TypeReportSent,
		BranchID: r.BranchID,
		Payload: map[string]interface{}{
			"report_id":   r.ID,
			"report_date": r.ReportDate.Format(models.DateLayout),
			"recipients":  len(d.recipients),
		},
	}); err != nil {
		d.logger.Warn("publish report.sent", zap.Int64("report_id", r.ID), zap.Error(err))
	}
	d.logger.Info("report sent",
		zap.Int64("report_id", r.ID),
		zap.Int("branch_id", r.BranchID),
		zap.String("report_date", r.ReportDate.Format(models.DateLayout)))
	return nil
}
