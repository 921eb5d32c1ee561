// Package shared contains the error taxonomy used across the application.
//
// # Kinds
//
// Every failure that crosses a component boundary can be reduced to a Kind:
//
//	Kind        | Origin
//	------------|------------------------------------------------------
//	NETWORK     | connectivity or timeout before any response
//	SERVER      | 5xx response
//	CLIENT      | 4xx response other than 401, 403, 404
//	AUTH        | 401 or 403 response
//	NOT_FOUND   | 404 response or missing local record
//	VALIDATION  | bad input detected locally
//	CANCELED    | caller canceled the context
//	UNKNOWN     | anything else
//
// # Classification
//
// Classify turns a raw failure into a *ClassifiedError:
//
//	resp, err := client.Do(ctx, req)
//	if err != nil {
//	    return shared.Classify(err) // NETWORK
//	}
//	if resp.StatusCode >= 300 {
//	    return shared.Classify(&shared.StatusError{StatusCode: resp.StatusCode, Body: body})
//	}
//
// Classified errors match their sentinel, so both styles work:
//
//	errors.Is(err, shared.ErrAuth)
//	shared.HasKind(err, shared.KindAuth)
//
// # Marking
//
// Adapters translate driver errors into the taxonomy with MarkKind:
//
//	if errors.Is(err, sql.ErrNoRows) {
//	    return shared.MarkKind(err, shared.KindNotFound)
//	}
//
// # Error Message Style Guide
//
// - Use lowercase messages: "mapping not found" not "Mapping not found"
// - Avoid punctuation at the end
// - Keep messages composable: they will often be wrapped with additional context
package shared
