package probe

import (
	"context"
	"time"

	"github.com/gosnmp/gosnmp"
	"go.uber.org/zap"

	"github.com/panelgrid/panelgrid/pkg/models"
)

// Standard MIB-II OIDs consulted for panel metadata.
const (
	oidSysDescr = "1.3.6.1.2.1.1.1.0"
	oidSysName  = "1.3.6.1.2.1.1.5.0"
)

// Compile-time interface guard.
var _ Enricher = (*SNMPEnricher)(nil)

// SNMPEnricher fills panel metadata gaps from the device's SNMP agent.
// Panels without SNMP simply keep the metadata the ident exchange provided.
type SNMPEnricher struct {
	community string
	timeout   time.Duration
	logger    *zap.Logger
}

// NewSNMPEnricher creates an enricher using SNMP v2c with the given
// community string.
func NewSNMPEnricher(community string, timeout time.Duration, logger *zap.Logger) *SNMPEnricher {
	if community == "" {
		community = "public"
	}
	return &SNMPEnricher{
		community: community,
		timeout:   timeout,
		logger:    logger,
	}
}

// Enrich queries sysName and sysDescr and fills empty Name/Manufacturer
// fields. Any failure leaves the panel untouched.
func (e *SNMPEnricher) Enrich(ctx context.Context, panel *models.Panel) {
	client := &gosnmp.GoSNMP{
		Target:    panel.Address,
		Port:      161,
		Community: e.community,
		Version:   gosnmp.Version2c,
		Timeout:   e.timeout,
		Retries:   0,
		Context:   ctx,
	}

	if err := client.Connect(); err != nil {
		e.logger.Debug("snmp connect failed", zap.String("address", panel.Address), zap.Error(err))
		return
	}
	defer client.Conn.Close()

	result, err := client.Get([]string{oidSysName, oidSysDescr})
	if err != nil {
		e.logger.Debug("snmp get failed", zap.String("address", panel.Address), zap.Error(err))
		return
	}

	for _, v := range result.Variables {
		raw, ok := v.Value.([]byte)
		if !ok {
			continue
		}
		switch v.Name {
		case "." + oidSysName:
			if panel.Name == "" {
				panel.Name = string(raw)
			}
		case "." + oidSysDescr:
			if panel.Manufacturer == "" {
				panel.Manufacturer = string(raw)
			}
		}
	}
}
