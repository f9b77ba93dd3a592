package server

import (
	"time"

	"autoops/internal/superops"
)

// Deterministic sample data served when the MSP platform is disabled or
// unreachable, so the dashboard endpoints stay usable in development and
// degraded production.

func mockDevices() []superops.Device {
	return []superops.Device{
		{
			ID:         "dev-1",
			Name:       "PROD-WEB-01",
			DeviceType: "Server",
			OSName:     "Windows Server 2019",
			IPAddress:  "192.168.1.10",
			ClientName: "Acme Corp",
			SiteName:   "HQ",
		},
		{
			ID:         "dev-2",
			Name:       "PROD-DB-01",
			DeviceType: "Server",
			OSName:     "Windows Server 2022",
			IPAddress:  "192.168.1.20",
			ClientName: "Acme Corp",
			SiteName:   "HQ",
		},
	}
}

func mockPatches() []superops.Patch {
	return []superops.Patch{
		{
			ID:                  "KB5034441",
			Title:               "Windows 11 Security Update",
			Description:         "Cumulative security update",
			Severity:            "CRITICAL",
			Category:            "Security",
			ReleaseDate:         "2024-01-09",
			Status:              "AVAILABLE",
			KBArticleID:         "KB5034441",
			AffectedDeviceCount: 2,
		},
		{
			ID:                  "KB5034439",
			Title:               "Windows Server 2022 Update",
			Description:         "Monthly rollup",
			Severity:            "HIGH",
			Category:            "Security",
			ReleaseDate:         "2024-01-09",
			Status:              "AVAILABLE",
			KBArticleID:         "KB5034439",
			AffectedDeviceCount: 2,
		},
	}
}

func mockAlerts() []superops.Alert {
	now := time.Now().UTC().Format(time.RFC3339)
	return []superops.Alert{
		{
			ID:          "alert-1",
			Title:       "High CPU Usage",
			Description: "CPU usage above 95% for 15 minutes",
			Severity:    "critical",
			Status:      "active",
			DeviceID:    "dev-2",
			DeviceName:  "PROD-DB-01",
			CreatedAt:   now,
			UpdatedAt:   now,
		},
	}
}
