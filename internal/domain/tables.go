package domain

var Tables = []interface{}{
	// System
	&SysConfig{},
	&SysApiUser{},
	&SysApiLog{},
	// WhatsApp
	&WhatsappSession{},
}
