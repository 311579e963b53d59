package notify

import (
	"fmt"

	"github.com/ecare/booking/internal/booking"
)

const messageTimeFormat = "2006-01-02 at 15:04"

// Compose renders the patient-facing title and description for a lifecycle
// event. doctorName is a full display name ("Dr. Baker", or a generic
// fallback like "your doctor" when the profile is missing), so templates
// never prepend an honorific themselves.
func Compose(ev booking.LifecycleEvent, doctorName string) (title, description string) {
	when := ev.StartTime.Format(messageTimeFormat)

	switch ev.Kind {
	case booking.EventScheduled:
		return "Appointment Scheduled",
			fmt.Sprintf("Your appointment with %s has been scheduled for %s", doctorName, when)
	case booking.EventRescheduled:
		return "Appointment Rescheduled",
			fmt.Sprintf("Your appointment with %s has been moved to %s", doctorName, when)
	case booking.EventCanceled:
		return "Appointment Canceled",
			fmt.Sprintf("Your appointment with %s on %s has been canceled", doctorName, when)
	case booking.EventInProgress:
		return "Appointment Check-In",
			fmt.Sprintf("Your appointment with %s is now in progress", doctorName)
	case booking.EventCompleted:
		return "Appointment Completed",
			fmt.Sprintf("Your appointment with %s has been completed", doctorName)
	default:
		return "Appointment Update",
			fmt.Sprintf("Your appointment with %s has been updated", doctorName)
	}
}
