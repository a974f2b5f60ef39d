package sip

import "strconv"

const (
	ResponseStatusTrying          ResponseStatus = 100
	ResponseStatusRinging         ResponseStatus = 180
	ResponseStatusSessionProgress ResponseStatus = 183

	ResponseStatusOK       ResponseStatus = 200
	ResponseStatusAccepted ResponseStatus = 202

	ResponseStatusMovedTemporarily ResponseStatus = 302

	ResponseStatusBadRequest                  ResponseStatus = 400
	ResponseStatusUnauthorized                ResponseStatus = 401
	ResponseStatusForbidden                   ResponseStatus = 403
	ResponseStatusNotFound                    ResponseStatus = 404
	ResponseStatusMethodNotAllowed            ResponseStatus = 405
	ResponseStatusProxyAuthenticationRequired ResponseStatus = 407
	ResponseStatusRequestTimeout              ResponseStatus = 408
	ResponseStatusTemporarilyUnavailable      ResponseStatus = 480
	ResponseStatusCallTransactionDoesNotExist ResponseStatus = 481
	ResponseStatusBusyHere                    ResponseStatus = 486
	ResponseStatusRequestTerminated           ResponseStatus = 487

	ResponseStatusServerInternalError ResponseStatus = 500
	ResponseStatusServiceUnavailable  ResponseStatus = 503

	ResponseStatusDecline ResponseStatus = 603
)

// ResponseStatus is a SIP response status code.
type ResponseStatus uint

// IsProvisional reports whether the status is 1xx.
func (s ResponseStatus) IsProvisional() bool { return s >= 100 && s < 200 }

// IsSuccessful reports whether the status is 2xx.
func (s ResponseStatus) IsSuccessful() bool { return s >= 200 && s < 300 }

// IsFinal reports whether the status is 2xx-6xx.
func (s ResponseStatus) IsFinal() bool { return s >= 200 && s < 700 }

func (s ResponseStatus) IsRedirection() bool { return s >= 300 && s < 400 }

func (s ResponseStatus) IsClientError() bool { return s >= 400 && s < 500 }

func (s ResponseStatus) IsServerError() bool { return s >= 500 && s < 600 }

func (s ResponseStatus) IsGlobalError() bool { return s >= 600 && s < 700 }

// IsValid reports whether the status is in the 100-699 range.
func (s ResponseStatus) IsValid() bool { return s >= 100 && s < 700 }

func (s ResponseStatus) String() string { return strconv.FormatUint(uint64(s), 10) }
