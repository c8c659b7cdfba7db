package domain

var Tables = []interface{}{
	// System
	&SysConfig{},
	&SysOpr{},
	// Messaging
	&Tenant{},
	&Session{},
	&Contact{},
	&Chat{},
	&Message{},
	// Blast
	&Blast{},
	&BlastMessage{},
	// Automation
	&Automation{},
	&AutomationRule{},
	&TenantVariable{},
}
