package api

const createAccountSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["name", "bank_name", "routing_number", "account_number", "entity_id"],
  "properties": {
    "name": {"type": "string", "minLength": 1, "maxLength": 255},
    "bank_name": {"type": "string", "minLength": 1, "maxLength": 255},
    "routing_number": {"type": "string", "pattern": "^[0-9]{9}$"},
    "account_number": {"type": "string", "pattern": "^[0-9]{4,17}$"},
    "jurisdiction": {"type": "string", "maxLength": 10},
    "entity_id": {"type": "string", "minLength": 1},
    "office_id": {"type": "string"}
  }
}`

const updateAccountSchema = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "name": {"type": "string", "minLength": 1, "maxLength": 255},
    "bank_name": {"type": "string", "minLength": 1, "maxLength": 255},
    "jurisdiction": {"type": "string", "maxLength": 10},
    "office_id": {"type": "string"}
  }
}`

const createLedgerSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["account_id", "client_id"],
  "properties": {
    "account_id": {"type": "string", "minLength": 1},
    "client_id": {"type": "string", "minLength": 1},
    "matter_id": {"type": "string"}
  }
}`

const depositSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["account_id", "amount", "payor", "allocations"],
  "properties": {
    "account_id": {"type": "string", "minLength": 1},
    "amount": {"type": "number", "exclusiveMinimum": 0},
    "payor": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "reference": {"type": "string"},
    "allocations": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["ledger_id", "amount"],
        "properties": {
          "ledger_id": {"type": "string", "minLength": 1},
          "amount": {"type": "number", "exclusiveMinimum": 0},
          "description": {"type": "string"}
        }
      }
    }
  }
}`

const withdrawalSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["account_id", "ledger_id", "amount", "payee"],
  "properties": {
    "account_id": {"type": "string", "minLength": 1},
    "ledger_id": {"type": "string", "minLength": 1},
    "amount": {"type": "number", "exclusiveMinimum": 0},
    "payee": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "reference": {"type": "string"}
  }
}`

const feeSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["account_id", "ledger_id", "amount"],
  "properties": {
    "account_id": {"type": "string", "minLength": 1},
    "ledger_id": {"type": "string", "minLength": 1},
    "amount": {"type": "number", "exclusiveMinimum": 0},
    "payee": {"type": "string"},
    "description": {"type": "string"},
    "reference": {"type": "string"}
  }
}`

const transferSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["account_id", "from_ledger_id", "to_ledger_id", "amount"],
  "properties": {
    "account_id": {"type": "string", "minLength": 1},
    "from_ledger_id": {"type": "string", "minLength": 1},
    "to_ledger_id": {"type": "string", "minLength": 1},
    "amount": {"type": "number", "exclusiveMinimum": 0},
    "description": {"type": "string"}
  }
}`

const reconcileSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["account_id", "period_end", "bank_statement_balance"],
  "properties": {
    "account_id": {"type": "string", "minLength": 1},
    "period_end": {"type": "string", "format": "date"},
    "bank_statement_balance": {"type": "number", "minimum": 0},
    "notes": {"type": "string"}
  }
}`

const rejectSchema = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "reason": {"type": "string", "maxLength": 1000}
  }
}`

const voidSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["reason"],
  "properties": {
    "reason": {"type": "string", "minLength": 1, "maxLength": 1000}
  }
}`
